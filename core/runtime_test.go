package core

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestRuntimeSubmitAddsAndAnnounces(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	transport := newFakeTransport(peer.ID("peer-runtime"))
	syncEngine := NewSyncEngine(store, transport, NewPeerRegistry(), nil)
	rt := NewRuntime(store, syncEngine, transport, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	defer rt.Shutdown()

	root := mustSignedNode(t, kp, nil, 0, "genesis")
	submitCtx, submitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer submitCancel()
	if err := rt.Submit(submitCtx, root); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !store.Has(root.CID) {
		t.Fatalf("expected node to be added to store")
	}
}

func TestRuntimeSubmitReturnsBusyWhenQueueFull(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	transport := newFakeTransport(peer.ID("peer-runtime-busy"))
	syncEngine := NewSyncEngine(store, transport, NewPeerRegistry(), nil)
	rt := NewRuntime(store, syncEngine, transport, 0, nil)

	// No loop goroutine started, so the zero-capacity channel is always full
	// and every Submit must bounce off the non-blocking fast path.
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := rt.Submit(ctx, root)
	if kind, ok := KindOf(err); !ok || kind != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestRuntimeShutdownRejectsFurtherSubmits(t *testing.T) {
	store := NewMemStore()
	transport := newFakeTransport(peer.ID("peer-runtime-2"))
	syncEngine := NewSyncEngine(store, transport, NewPeerRegistry(), nil)
	rt := NewRuntime(store, syncEngine, transport, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	cancel()
	rt.Shutdown()

	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	submitCtx, submitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer submitCancel()
	if err := rt.Submit(submitCtx, root); err == nil {
		t.Fatalf("expected submit after shutdown to be rejected")
	}
	if store.Has(root.CID) {
		t.Fatalf("expected node submitted after shutdown not to reach the store")
	}
}
