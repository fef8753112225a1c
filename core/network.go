package core

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	dsync "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
	ma "github.com/multiformats/go-multiaddr"
)

// Stream is the minimal read/write/close contract the sync protocol needs
// from a transport-level stream. A real libp2p network.Stream satisfies it
// structurally; tests can substitute a net.Pipe-backed fake without
// implementing the much larger network.Stream interface.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Transport is the seam every sync and dispatch component talks to, so a
// test can swap in an in-memory implementation without standing up real
// libp2p hosts — the same decoupling network.go's package-level
// BroadcasterFunc provided, generalized into an interface.
type Transport interface {
	ID() peer.ID
	JoinTopic(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, handler func(from peer.ID, data []byte)) error
	NewStream(ctx context.Context, p peer.ID, protocolID string) (Stream, error)
	SetStreamHandler(protocolID string, handler func(Stream))
	Peers() []peer.ID
	Connect(ctx context.Context, addr string) error
}

// discoveryTag is the mDNS service tag advertised and searched for by every
// federation node on the same local network, mirroring network.go's
// single hardcoded discovery tag.
const discoveryTag = "fednet-mesh-discovery"

// P2PNode is the libp2p-gossipsub-backed Transport implementation, adapted
// from network.go's NewNode/Broadcast/Subscribe/HandlePeerFound.
type P2PNode struct {
	host   host.Host
	pubsub *dsync.PubSub

	mu     sync.Mutex
	topics map[string]*dsync.Topic
	subs   map[string]*dsync.Subscription

	log *logrus.Entry
}

// mdnsNotifee bridges mdns.Notifee callbacks into P2PNode's own dial logic,
// the adaptation of network.go's HandlePeerFound.
type mdnsNotifee struct {
	node *P2PNode
	ctx  context.Context
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.node.host.ID() {
		return
	}
	if err := n.node.host.Connect(n.ctx, pi); err != nil {
		n.node.log.WithError(err).WithField("peer", pi.ID.String()).Warn("mdns peer connect failed")
		return
	}
	n.node.log.WithField("peer", pi.ID.String()).Info("connected to mdns-discovered peer")
}

// NewP2PNode starts a libp2p host listening on listenAddr, joins gossipsub,
// and begins mDNS discovery under discoveryTag.
func NewP2PNode(ctx context.Context, listenAddr string, log *logrus.Entry) (*P2PNode, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	addr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("parse listen addr %q: %w", listenAddr, err))
	}
	h, err := libp2p.New(libp2p.ListenAddrs(addr))
	if err != nil {
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("create libp2p host: %w", err))
	}
	ps, err := dsync.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("create gossipsub: %w", err))
	}

	node := &P2PNode{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*dsync.Topic),
		subs:   make(map[string]*dsync.Subscription),
		log:    log,
	}

	svc := mdns.NewMdnsService(h, discoveryTag, &mdnsNotifee{node: node, ctx: ctx})
	if err := svc.Start(); err != nil {
		log.WithError(err).Warn("mdns discovery failed to start")
	}

	return node, nil
}

func (n *P2PNode) ID() peer.ID { return n.host.ID() }

// JoinTopic ensures topic is joined, idempotently.
func (n *P2PNode) JoinTopic(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.topics[topic]; ok {
		return nil
	}
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("join topic %q: %w", topic, err))
	}
	n.topics[topic] = t
	return nil
}

// Publish broadcasts data on topic, joining it first if needed, the
// adaptation of network.go's Broadcast.
func (n *P2PNode) Publish(ctx context.Context, topic string, data []byte) error {
	if err := n.JoinTopic(topic); err != nil {
		return err
	}
	n.mu.Lock()
	t := n.topics[topic]
	n.mu.Unlock()
	if err := t.Publish(ctx, data); err != nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("publish to %q: %w", topic, err))
	}
	return nil
}

// Subscribe joins topic if needed and starts a goroutine delivering each
// message to handler, mirroring network.go's Subscribe.
func (n *P2PNode) Subscribe(topic string, handler func(from peer.ID, data []byte)) error {
	if err := n.JoinTopic(topic); err != nil {
		return err
	}
	n.mu.Lock()
	t := n.topics[topic]
	existing, already := n.subs[topic]
	n.mu.Unlock()
	if already {
		existing.Cancel()
	}

	sub, err := t.Subscribe()
	if err != nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("subscribe to %q: %w", topic, err))
	}
	n.mu.Lock()
	n.subs[topic] = sub
	n.mu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(context.Background())
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			handler(msg.ReceivedFrom, msg.Data)
		}
	}()
	return nil
}

// NewStream opens a request/response stream to p over protocolID, the
// transport primitive the sync engine's Offer/Request/Bundle exchange rides.
func (n *P2PNode) NewStream(ctx context.Context, p peer.ID, protocolID string) (Stream, error) {
	s, err := n.host.NewStream(ctx, p, protocol.ID(protocolID))
	if err != nil {
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("open stream to %s: %w", p, err))
	}
	return s, nil
}

// SetStreamHandler registers handler for inbound streams on protocolID.
func (n *P2PNode) SetStreamHandler(protocolID string, handler func(Stream)) {
	n.host.SetStreamHandler(protocol.ID(protocolID), func(s network.Stream) {
		handler(s)
	})
}

// Peers lists currently connected peer ids.
func (n *P2PNode) Peers() []peer.ID {
	return n.host.Network().Peers()
}

// Connect dials a peer at a multiaddr string containing its /p2p/<id>
// suffix, network.go's DialSeed pattern generalized past a fixed
// bootstrap list.
func (n *P2PNode) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("parse peer addr %q: %w", addr, err))
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("resolve peer addr %q: %w", addr, err))
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("connect to %s: %w", info.ID, err))
	}
	return nil
}

// Close shuts down the underlying libp2p host.
func (n *P2PNode) Close() error {
	return n.host.Close()
}

// readLine reads one newline-delimited JSON frame from a stream, the framing
// convention sync.go uses for Offer/Request/Bundle messages, matching
// replication.go's length-implicit line-based reads.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("read frame: %w", err))
	}
	return line, nil
}
