package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// submitCmd is one request to add a signed node, queued onto the Runtime's
// bounded command channel so Add/Announce always happens from a single
// goroutine, the same exclusive-writer discipline MemStore's mutex gives
// the store itself, lifted one level up to cover the announce step too.
type submitCmd struct {
	node SignedDagNode
	done chan error
}

// Runtime wires together a Store, a SyncEngine, and a Transport, running an
// add -> announce pipeline: submissions are serialized through a bounded
// channel, each accepted node is immediately announced to the mesh.
type Runtime struct {
	store      Store
	sync       *SyncEngine
	transport  Transport
	log        *logrus.Entry

	submit  chan submitCmd
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRuntime builds a Runtime with a command queue of the given capacity.
func NewRuntime(store Store, syncEngine *SyncEngine, transport Transport, queueCapacity int, log *logrus.Entry) *Runtime {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runtime{
		store:     store,
		sync:      syncEngine,
		transport: transport,
		log:       log,
		submit:    make(chan submitCmd, queueCapacity),
		done:      make(chan struct{}),
	}
}

// Start launches the event loop goroutine and begins listening for mesh
// announcements, kicking off a sync round with the announcing peer whenever
// a tip we don't already have is reported.
func (r *Runtime) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.loop(ctx)

	return r.sync.ListenForAnnouncements(func(from peer.ID, tip CID) {
		if r.store.Has(tip) {
			return
		}
		if err := r.sync.SyncWith(ctx, from); err != nil {
			r.log.WithError(err).WithField("peer", from.String()).Warn("sync round failed after announcement")
		}
	})
}

func (r *Runtime) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-r.done:
			r.drain()
			return
		case cmd := <-r.submit:
			err := r.handleSubmit(ctx, cmd.node)
			cmd.done <- err
		}
	}
}

// drain completes any in-flight submission still queued at shutdown time by
// returning a Timeout error to each, rather than silently dropping the
// caller's channel read.
func (r *Runtime) drain() {
	for {
		select {
		case cmd := <-r.submit:
			cmd.done <- newErr(ErrTimeout, nil, fmt.Errorf("runtime shutting down"))
		default:
			return
		}
	}
}

func (r *Runtime) handleSubmit(ctx context.Context, node SignedDagNode) error {
	if err := r.store.Add(node); err != nil {
		return err
	}
	if err := r.sync.Announce(ctx, node.CID); err != nil {
		r.log.WithError(err).Warn("announce failed after successful add")
	}
	return nil
}

// Submit enqueues node for the add->announce pipeline and blocks until it is
// processed or ctx is cancelled. The command channel is bounded; a full
// channel is reported immediately as a retryable ErrBusy rather than making
// the caller wait behind an unbounded backlog.
func (r *Runtime) Submit(ctx context.Context, node SignedDagNode) error {
	cmd := submitCmd{node: node, done: make(chan error, 1)}
	select {
	case r.submit <- cmd:
	default:
		return newErr(ErrBusy, &node.CID, fmt.Errorf("submit queue full, retry"))
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return newErr(ErrTimeout, nil, ctx.Err())
	}
}

// Shutdown stops the event loop after any in-flight submit completes.
func (r *Runtime) Shutdown() {
	close(r.done)
	r.wg.Wait()
}

// Store exposes the underlying Store for read-path callers like the HTTP
// adapter.
func (r *Runtime) Store() Store { return r.store }
