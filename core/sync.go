package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// syncProtocolID is the dedicated libp2p stream protocol the Offer/Request/
// Bundle exchange rides, distinct from the gossipsub topic Announce uses —
// the same split replication.go drew between its protocolID stream
// framing and the separate block-announcement broadcast path.
const syncProtocolID = "/icn/dag-sync/1"

// announceTopic is the gossipsub topic new tips are broadcast on.
const announceTopic = "/icn/dag-announce/1"

// maxSyncRounds bounds how many Offer/Request round-trips a single SyncWith
// call will spend chasing missing ancestors before giving up, satisfying
// "repeat until no missing parents remain or a bound is hit."
const maxSyncRounds = 5

// backoffBaseDelay and backoffMaxAttempts parameterize withBackoff's
// exponential retry of transient network failures, mirroring
// replication.go's dial-retry loop.
const (
	backoffBaseDelay   = 200 * time.Millisecond
	backoffMaxAttempts = 5
)

// withBackoff retries fn with exponential back-off, but only for the
// transient failure kinds (ErrNetworkError, ErrTimeout); any other error, or
// ctx cancellation while waiting, is returned immediately without retrying.
func withBackoff(ctx context.Context, fn func() error) error {
	delay := backoffBaseDelay
	var lastErr error
	for attempt := 0; attempt < backoffMaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		kind, ok := KindOf(lastErr)
		if !ok || (kind != ErrNetworkError && kind != ErrTimeout) {
			return lastErr
		}
		if attempt == backoffMaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// msgType discriminates the sync protocol's message kinds, mirroring
// replication.go's msgInv/msgGetData/msgBlock enum.
type msgType string

const (
	msgOffer         msgType = "offer"
	msgOfferResponse msgType = "offer_response"
	msgRequest       msgType = "request"
	msgBundle        msgType = "bundle"
)

// wireNode is the JSON-over-the-wire encoding of a SignedDagNode: its
// canonical RLP bytes plus signature and declared CID, the same fields as
// storedNode's on-disk encoding but under camelCase JSON keys; FileStore's
// replay decodes its own records separately.
type wireNode struct {
	NodeCanonical []byte `json:"nodeCanonical"`
	Signature     []byte `json:"signature"`
	CID           string `json:"cid"`
}

func toWireNode(n SignedDagNode) (wireNode, error) {
	canonical, err := n.Node.CanonicalEncode()
	if err != nil {
		return wireNode{}, err
	}
	return wireNode{NodeCanonical: canonical, Signature: n.Signature, CID: n.CID.String()}, nil
}

func (w wireNode) toSignedNode() (SignedDagNode, error) {
	node, err := DecodeDagNode(w.NodeCanonical)
	if err != nil {
		return SignedDagNode{}, err
	}
	c, err := ParseCID(w.CID)
	if err != nil {
		return SignedDagNode{}, err
	}
	return SignedDagNode{Node: node, Signature: w.Signature, CID: c}, nil
}

// syncMessage is the single envelope every sync protocol frame uses, framed
// one JSON object per line over the stream.
type syncMessage struct {
	Type  msgType    `json:"type"`
	Tips  []string   `json:"tips,omitempty"`
	Want  []string   `json:"want,omitempty"`
	CIDs  []string   `json:"cids,omitempty"`
	Nodes []wireNode `json:"nodes,omitempty"`
}

func writeMessage(w *bufio.Writer, msg syncMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal sync message: %w", err))
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("write sync message: %w", err))
	}
	return w.Flush()
}

func readMessage(r *bufio.Reader) (syncMessage, error) {
	line, err := readLine(r)
	if err != nil {
		return syncMessage{}, err
	}
	var msg syncMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return syncMessage{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("unmarshal sync message: %w", err))
	}
	return msg, nil
}

// SyncEngine drives the Offer -> OfferResponse -> Request -> Bundle exchange
// of a single peer-to-peer sync round, and the Announce fan-out of newly
// added tips, adapted from replication.go's ReplicateBlock/
// RequestMissing/Synchronize.
type SyncEngine struct {
	store     Store
	transport Transport
	registry  *PeerRegistry
	log       *logrus.Entry

	syncTimeout time.Duration
}

// NewSyncEngine wires a SyncEngine over store/transport/registry and
// registers the inbound stream handler for the sync protocol.
func NewSyncEngine(store Store, transport Transport, registry *PeerRegistry, log *logrus.Entry) *SyncEngine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &SyncEngine{store: store, transport: transport, registry: registry, log: log, syncTimeout: 30 * time.Second}
	transport.SetStreamHandler(syncProtocolID, e.handleStream)
	return e
}

// Announce broadcasts newTip's CID to every subscriber of the gossip
// announce topic, retrying transient publish failures with back-off.
func (e *SyncEngine) Announce(ctx context.Context, newTip CID) error {
	return withBackoff(ctx, func() error {
		return e.transport.Publish(ctx, announceTopic, []byte(newTip.String()))
	})
}

// ListenForAnnouncements subscribes to the announce topic and invokes
// onAnnounce(from, tipCID) for every announcement received, letting the
// Runtime decide whether to start a sync round.
func (e *SyncEngine) ListenForAnnouncements(onAnnounce func(from peer.ID, tip CID)) error {
	return e.transport.Subscribe(announceTopic, func(from peer.ID, data []byte) {
		c, err := ParseCID(string(data))
		if err != nil {
			e.log.WithError(err).Warn("dropping malformed announcement")
			return
		}
		onAnnounce(from, c)
	})
}

// SyncWith runs a client-initiated sync round against p: offers our tips,
// learns which of p's tips we did not list, requests those from p, and
// exchanges Request/Bundle rounds until every
// offered node's ancestry is satisfied or maxSyncRounds is spent — a missing
// parent inside a bundle queues a follow-up Request for that ancestor rather
// than failing the whole round outright.
func (e *SyncEngine) SyncWith(ctx context.Context, p peer.ID) error {
	ctx, cancel := context.WithTimeout(ctx, e.syncTimeout)
	defer cancel()

	var stream Stream
	if err := withBackoff(ctx, func() error {
		s, err := e.transport.NewStream(ctx, p, syncProtocolID)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}); err != nil {
		return err
	}
	defer stream.Close()

	w := bufio.NewWriter(stream)
	r := bufio.NewReader(stream)

	tips := e.store.Tips()
	tipStrs := make([]string, len(tips))
	for i, t := range tips {
		tipStrs[i] = t.String()
	}
	if err := writeMessage(w, syncMessage{Type: msgOffer, Tips: tipStrs}); err != nil {
		return err
	}

	resp, err := readMessage(r)
	if err != nil {
		return err
	}
	if resp.Type != msgOfferResponse {
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("expected offer_response, got %q", resp.Type))
	}
	if len(resp.Want) == 0 {
		return nil
	}

	want := resp.Want
	var carriedOver []SignedDagNode
	for round := 0; round < maxSyncRounds && len(want) > 0; round++ {
		if err := writeMessage(w, syncMessage{Type: msgRequest, CIDs: want}); err != nil {
			return err
		}
		bundle, err := readMessage(r)
		if err != nil {
			return err
		}
		if bundle.Type != msgBundle {
			return newErr(ErrMalformedRequest, nil, fmt.Errorf("expected bundle, got %q", bundle.Type))
		}

		pending, missing, err := e.ingestBundle(p, carriedOver, bundle.Nodes)
		if err != nil {
			return err
		}
		carriedOver = pending
		if len(missing) == 0 {
			return nil
		}
		want = make([]string, len(missing))
		for i, c := range missing {
			want[i] = c.String()
		}
	}

	if len(carriedOver) > 0 {
		return newErr(ErrInvalidParentRefs, nil, fmt.Errorf("sync with %s: %d node(s) still missing ancestors after %d rounds", p, len(carriedOver), maxSyncRounds))
	}
	return nil
}

// ingestBundle decodes nodes (plus any carriedOver nodes held back from an
// earlier round because their parents hadn't arrived yet) and adds as many
// as it can in topological order. Nodes that still can't be added because a
// parent is neither in the store nor anywhere in this batch are returned in
// pending rather than failing the round, alongside the set of CIDs still
// missing from the store — the caller turns those into the next round's
// Request. Each bad signature or CID mismatch penalizes the sending peer via
// RecordInvalidSignature, which quarantines it once its score falls below
// the quarantine threshold; a merely-not-yet-arrived ancestor never does.
func (e *SyncEngine) ingestBundle(from peer.ID, carriedOver []SignedDagNode, nodes []wireNode) ([]SignedDagNode, []CID, error) {
	decoded := make([]SignedDagNode, 0, len(carriedOver)+len(nodes))
	decoded = append(decoded, carriedOver...)
	for _, w := range nodes {
		n, err := w.toSignedNode()
		if err != nil {
			if e.registry != nil {
				e.registry.RecordInvalidSignature(from)
			}
			return nil, nil, err
		}
		decoded = append(decoded, n)
	}
	ordered, err := topoOrderPending(decoded)
	if err != nil {
		if e.registry != nil {
			e.registry.RecordInvalidSignature(from)
		}
		return nil, nil, err
	}

	pending := ordered
	for {
		progressed := false
		next := make([]SignedDagNode, 0, len(pending))
		for _, n := range pending {
			if err := e.store.Add(n); err != nil {
				kind, ok := KindOf(err)
				if ok && kind == ErrInvalidParentRefs {
					next = append(next, n)
					continue
				}
				if ok && (kind == ErrSignatureInvalid || kind == ErrCidMismatch) {
					if e.registry != nil {
						e.registry.RecordInvalidSignature(from)
					}
				}
				return nil, nil, err
			}
			progressed = true
		}
		pending = next
		if !progressed || len(pending) == 0 {
			break
		}
	}

	if len(pending) == 0 {
		if e.registry != nil {
			e.registry.RecordValidSignature(from)
		}
		return nil, nil, nil
	}

	missingSet := make(map[CID]struct{})
	for _, n := range pending {
		for _, p := range n.Node.Parents {
			if !e.store.Has(p) {
				missingSet[p] = struct{}{}
			}
		}
	}
	missing := make([]CID, 0, len(missingSet))
	for c := range missingSet {
		missing = append(missing, c)
	}
	return pending, missing, nil
}

// handleStream is the server side of a sync round: read an Offer, compute
// which of our own tips the offering peer didn't list (so is presumably
// missing), respond with those in OfferResponse, then answer up to
// maxSyncRounds Request/Bundle exchanges on the same stream — the
// counterpart to SyncWith's bounded follow-up requests for ancestors a
// prior bundle didn't include.
func (e *SyncEngine) handleStream(stream Stream) {
	defer stream.Close()
	w := bufio.NewWriter(stream)
	r := bufio.NewReader(stream)

	offer, err := readMessage(r)
	if err != nil {
		e.log.WithError(err).Warn("sync handler: failed to read offer")
		return
	}
	if offer.Type != msgOffer {
		e.log.Warnf("sync handler: expected offer, got %q", offer.Type)
		return
	}

	offered := make(map[string]struct{}, len(offer.Tips))
	for _, tipStr := range offer.Tips {
		offered[tipStr] = struct{}{}
	}
	want := make([]string, 0)
	for _, tip := range e.store.Tips() {
		if _, ok := offered[tip.String()]; !ok {
			want = append(want, tip.String())
		}
	}
	if err := writeMessage(w, syncMessage{Type: msgOfferResponse, Want: want}); err != nil {
		e.log.WithError(err).Warn("sync handler: failed to write offer response")
		return
	}
	if len(want) == 0 {
		return
	}

	for round := 0; round < maxSyncRounds; round++ {
		req, err := readMessage(r)
		if err != nil {
			e.log.WithError(err).Warn("sync handler: failed to read request")
			return
		}
		if req.Type != msgRequest {
			e.log.Warnf("sync handler: expected request, got %q", req.Type)
			return
		}

		nodes := make([]wireNode, 0, len(req.CIDs))
		for _, cidStr := range req.CIDs {
			c, err := ParseCID(cidStr)
			if err != nil {
				continue
			}
			n, err := e.store.Get(c)
			if err != nil {
				continue
			}
			wn, err := toWireNode(n)
			if err != nil {
				continue
			}
			nodes = append(nodes, wn)
		}
		if err := writeMessage(w, syncMessage{Type: msgBundle, Nodes: nodes}); err != nil {
			e.log.WithError(err).Warn("sync handler: failed to write bundle")
			return
		}
	}
}
