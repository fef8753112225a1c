package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// fakeTransport is an in-process Transport fake wired directly to its
// peers, letting sync_test.go exercise SyncEngine's Offer/Request/Bundle
// exchange without standing up real libp2p hosts.
type fakeTransport struct {
	id    peer.ID
	peers map[peer.ID]*fakeTransport

	mu       sync.Mutex
	handlers map[string]func(Stream)
	subs     map[string][]func(peer.ID, []byte)
}

func newFakeTransport(id peer.ID) *fakeTransport {
	return &fakeTransport{
		id:       id,
		peers:    make(map[peer.ID]*fakeTransport),
		handlers: make(map[string]func(Stream)),
		subs:     make(map[string][]func(peer.ID, []byte)),
	}
}

func linkFakeTransports(a, b *fakeTransport) {
	a.peers[b.id] = b
	b.peers[a.id] = a
}

func (f *fakeTransport) ID() peer.ID { return f.id }

func (f *fakeTransport) JoinTopic(topic string) error { return nil }

func (f *fakeTransport) Publish(ctx context.Context, topic string, data []byte) error {
	for _, p := range f.peers {
		p.mu.Lock()
		handlers := append([]func(peer.ID, []byte){}, p.subs[topic]...)
		p.mu.Unlock()
		for _, h := range handlers {
			h(f.id, data)
		}
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler func(from peer.ID, data []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], handler)
	return nil
}

func (f *fakeTransport) NewStream(ctx context.Context, p peer.ID, protocolID string) (Stream, error) {
	target, ok := f.peers[p]
	if !ok {
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("unknown peer %s", p))
	}
	target.mu.Lock()
	handler, ok := target.handlers[protocolID]
	target.mu.Unlock()
	if !ok {
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("no handler for protocol %s", protocolID))
	}
	clientConn, serverConn := net.Pipe()
	go handler(serverConn)
	return clientConn, nil
}

func (f *fakeTransport) SetStreamHandler(protocolID string, handler func(Stream)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[protocolID] = handler
}

func (f *fakeTransport) Peers() []peer.ID {
	out := make([]peer.ID, 0, len(f.peers))
	for id := range f.peers {
		out = append(out, id)
	}
	return out
}

func (f *fakeTransport) Connect(ctx context.Context, addr string) error { return nil }

func TestSyncEngineReplicatesMissingNodes(t *testing.T) {
	storeA := NewMemStore()
	storeB := NewMemStore()
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	child := mustSignedNode(t, kp, []CID{root.CID}, 1, "child")
	if err := storeA.Add(root); err != nil {
		t.Fatalf("add root to A: %v", err)
	}
	if err := storeA.Add(child); err != nil {
		t.Fatalf("add child to A: %v", err)
	}

	transportA := newFakeTransport(peer.ID("peer-a"))
	transportB := newFakeTransport(peer.ID("peer-b"))
	linkFakeTransports(transportA, transportB)

	registryB := NewPeerRegistry()
	NewSyncEngine(storeA, transportA, NewPeerRegistry(), nil)
	engineB := NewSyncEngine(storeB, transportB, registryB, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engineB.SyncWith(ctx, transportA.ID()); err != nil {
		t.Fatalf("sync with A: %v", err)
	}

	if !storeB.Has(root.CID) || !storeB.Has(child.CID) {
		t.Fatalf("expected store B to have replicated both nodes from A")
	}
}

func TestSyncEngineChasesMissingAncestorsAcrossRounds(t *testing.T) {
	storeA := NewMemStore()
	storeB := NewMemStore()
	kp := mustKeyPair(t)

	var parent []CID
	var tip SignedDagNode
	for i := 0; i < 4; i++ {
		n := mustSignedNode(t, kp, parent, uint64(i), fmt.Sprintf("gen-%d", i))
		if err := storeA.Add(n); err != nil {
			t.Fatalf("add gen-%d to A: %v", i, err)
		}
		parent = []CID{n.CID}
		tip = n
	}

	transportA := newFakeTransport(peer.ID("peer-a"))
	transportB := newFakeTransport(peer.ID("peer-b"))
	linkFakeTransports(transportA, transportB)

	NewSyncEngine(storeA, transportA, NewPeerRegistry(), nil)
	engineB := NewSyncEngine(storeB, transportB, NewPeerRegistry(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engineB.SyncWith(ctx, transportA.ID()); err != nil {
		t.Fatalf("sync with A: %v", err)
	}
	if !storeB.Has(tip.CID) {
		t.Fatalf("expected store B to have replicated the full ancestor chain")
	}
}

func TestSyncEngineGivesUpAfterMaxRounds(t *testing.T) {
	storeA := NewMemStore()
	storeB := NewMemStore()
	kp := mustKeyPair(t)

	var parent []CID
	var tip SignedDagNode
	depth := maxSyncRounds + 3
	for i := 0; i < depth; i++ {
		n := mustSignedNode(t, kp, parent, uint64(i), fmt.Sprintf("gen-%d", i))
		if err := storeA.Add(n); err != nil {
			t.Fatalf("add gen-%d to A: %v", i, err)
		}
		parent = []CID{n.CID}
		tip = n
	}
	_ = tip

	transportA := newFakeTransport(peer.ID("peer-a"))
	transportB := newFakeTransport(peer.ID("peer-b"))
	linkFakeTransports(transportA, transportB)

	NewSyncEngine(storeA, transportA, NewPeerRegistry(), nil)
	engineB := NewSyncEngine(storeB, transportB, NewPeerRegistry(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := engineB.SyncWith(ctx, transportA.ID())
	if kind, ok := KindOf(err); !ok || kind != ErrInvalidParentRefs {
		t.Fatalf("expected ErrInvalidParentRefs after exhausting sync rounds on a too-deep chain, got %v", err)
	}
}

func TestWithBackoffRetriesTransientFailuresOnly(t *testing.T) {
	attempts := 0
	err := withBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return newErr(ErrNetworkError, nil, fmt.Errorf("dial failed"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts before success, got %d", attempts)
	}

	nonTransientAttempts := 0
	err = withBackoff(context.Background(), func() error {
		nonTransientAttempts++
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("bad request"))
	})
	if kind, ok := KindOf(err); !ok || kind != ErrMalformedRequest {
		t.Fatalf("expected ErrMalformedRequest to propagate unchanged, got %v", err)
	}
	if nonTransientAttempts != 1 {
		t.Fatalf("expected a non-transient error to never retry, got %d attempts", nonTransientAttempts)
	}
}

func TestWithBackoffExhaustsAttemptsOnPersistentTimeout(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := withBackoff(context.Background(), func() error {
		attempts++
		return newErr(ErrTimeout, nil, fmt.Errorf("still waiting"))
	})
	if kind, ok := KindOf(err); !ok || kind != ErrTimeout {
		t.Fatalf("expected ErrTimeout after exhausting retries, got %v", err)
	}
	if attempts != backoffMaxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", backoffMaxAttempts, attempts)
	}
	if time.Since(start) <= 0 {
		t.Fatalf("expected backoff to spend some time waiting between attempts")
	}
}

func TestSyncEngineNoOpWhenNothingMissing(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	if err := store.Add(root); err != nil {
		t.Fatalf("add root: %v", err)
	}

	transportA := newFakeTransport(peer.ID("peer-a"))
	transportB := newFakeTransport(peer.ID("peer-b"))
	linkFakeTransports(transportA, transportB)

	NewSyncEngine(store, transportA, NewPeerRegistry(), nil)
	engineB := NewSyncEngine(store, transportB, NewPeerRegistry(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engineB.SyncWith(ctx, transportA.ID()); err != nil {
		t.Fatalf("sync with A: %v", err)
	}
}
