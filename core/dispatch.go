package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DispatchState is the mesh dispatch state machine's position.
type DispatchState string

const (
	DispatchSubmitted DispatchState = "Submitted"
	DispatchBidding    DispatchState = "Bidding"
	DispatchDispatched DispatchState = "Dispatched"
	DispatchRunning    DispatchState = "Running"
	DispatchCompleted  DispatchState = "Completed"
	DispatchFailed     DispatchState = "Failed"
)

// DispatchRequestSubject is the credential subject for the initial dispatch
// submission: the task request fields named in §4.F verbatim (wasm_hash,
// wasm_size, inputs, max_latency_ms, memory_mb, cores, priority,
// federation_id) plus the capability selector bidders must match.
type DispatchRequestSubject struct {
	DispatchID   string             `json:"dispatchId"`
	Selector     CapabilitySelector `json:"selector"`
	WasmHash     string             `json:"wasmHash"`
	WasmSize     int64              `json:"wasmSize"`
	Inputs       []string           `json:"inputs,omitempty"`
	MaxLatencyMS float64            `json:"maxLatencyMs"`
	MemoryMB     int                `json:"memoryMb"`
	Cores        int                `json:"cores"`
	Priority     int                `json:"priority"` // 1..100
	FederationID string             `json:"federationId"`
}

// DispatchCredentialSubject is the credential subject for the winning bid's
// dispatch credential: the selector it was matched against, how many
// manifests matched, the selected bid, and its score (P8).
type DispatchCredentialSubject struct {
	DispatchID    string             `json:"dispatchId"`
	RequestCID    string             `json:"requestCid"`
	Selector      CapabilitySelector `json:"selector"`
	MatchingNodes int                `json:"matchingNodes"`
	Winner        DID                `json:"winner"`
	WinningBidRef string             `json:"winningBidRef"`
	Score         float64            `json:"score"`
}

// ExecutionReceiptSubject is the credential subject for the receipt a
// dispatched node files on completion or failure.
type ExecutionReceiptSubject struct {
	DispatchID      string        `json:"dispatchId"`
	DispatchCredCID string        `json:"dispatchCredCid"`
	ModuleRef       string        `json:"moduleRef,omitempty"`
	ResultRef       string        `json:"resultRef,omitempty"`
	State           DispatchState `json:"state"`
	FailureReason   string        `json:"failureReason,omitempty"`
}

// DispatchEngine runs the mesh compute dispatch workflow over a Store: bid
// collection and scoring happen in memory (bids are solicited over
// transport's gossip channel, not persisted individually), while the
// submission, the winning dispatch credential, and the execution receipt
// are each DAG nodes.
type DispatchEngine struct {
	store     Store
	transport Transport
}

// NewDispatchEngine builds a DispatchEngine over store. transport may be nil
// for call sites that never solicit bids (they must call SelectWinner with
// an externally-gathered []Bid instead).
func NewDispatchEngine(store Store, transport Transport) *DispatchEngine {
	return &DispatchEngine{store: store, transport: transport}
}

// bidMessageType discriminates the two frames a bid solicitation round
// exchanges over the gossip channel, mirroring sync.go's msgType enum.
type bidMessageType string

const (
	bidMsgSolicit bidMessageType = "solicit"
	bidMsgBid     bidMessageType = "bid"
)

// bidWireMessage is the JSON frame published on a dispatch's bid topic:
// either the solicitation itself (selector attached, no bid) or a bidder's
// response (bid attached).
type bidWireMessage struct {
	Type       bidMessageType     `json:"type"`
	DispatchID string             `json:"dispatchId"`
	Selector   CapabilitySelector `json:"selector,omitempty"`
	Bid        *Bid               `json:"bid,omitempty"`
}

// bidTopic names the per-dispatch gossip topic bidders publish Bid
// responses on, keyed by dispatchID so unrelated solicitations never cross.
func bidTopic(dispatchID string) string {
	return "/icn/dispatch-bid/" + dispatchID
}

// SolicitBids publishes a bid solicitation for dispatchID over the wired
// Transport and collects Bid responses for maxLatencyMS (clamped to at
// least one second if zero or negative), returning whatever bids arrived in
// that window for SelectWinner to score. Publishing the solicitation itself
// is retried with backoff for transient network failures; the collection
// window always runs its full course since there's no signal a bidder
// won't still respond before the deadline.
func (d *DispatchEngine) SolicitBids(ctx context.Context, dispatchID string, selector CapabilitySelector, maxLatencyMS float64) ([]Bid, error) {
	if d.transport == nil {
		return nil, newErr(ErrNetworkError, nil, fmt.Errorf("dispatch engine has no transport wired for bid solicitation"))
	}
	deadline := time.Duration(maxLatencyMS * float64(time.Millisecond))
	if deadline <= 0 {
		deadline = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	topic := bidTopic(dispatchID)

	var mu sync.Mutex
	var bids []Bid
	if err := d.transport.Subscribe(topic, func(from peer.ID, data []byte) {
		var msg bidWireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if msg.Type != bidMsgBid || msg.Bid == nil || msg.DispatchID != dispatchID {
			return
		}
		mu.Lock()
		bids = append(bids, *msg.Bid)
		mu.Unlock()
	}); err != nil {
		return nil, err
	}

	solicitation := bidWireMessage{Type: bidMsgSolicit, DispatchID: dispatchID, Selector: selector}
	payload, err := json.Marshal(solicitation)
	if err != nil {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal bid solicitation: %w", err))
	}
	if err := withBackoff(ctx, func() error {
		return d.transport.Publish(ctx, topic, payload)
	}); err != nil {
		return nil, err
	}

	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return bids, nil
}

// PublishBid answers an in-flight solicitation for dispatchID with bid,
// letting a bidding node respond to SolicitBids over the same gossip topic.
func (d *DispatchEngine) PublishBid(ctx context.Context, dispatchID string, bid Bid) error {
	if d.transport == nil {
		return newErr(ErrNetworkError, nil, fmt.Errorf("dispatch engine has no transport wired for bid solicitation"))
	}
	msg := bidWireMessage{Type: bidMsgBid, DispatchID: dispatchID, Bid: &bid}
	payload, err := json.Marshal(msg)
	if err != nil {
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal bid: %w", err))
	}
	return withBackoff(ctx, func() error {
		return d.transport.Publish(ctx, bidTopic(dispatchID), payload)
	})
}

// SubmitDispatch signs and adds the initial dispatch request node.
func (d *DispatchEngine) SubmitDispatch(submitter *KeyPair, parents []CID, lamport uint64, req DispatchRequestSubject) (CID, string, error) {
	if req.DispatchID == "" {
		req.DispatchID = uuid.NewString()
	}
	cred, err := NewCredential("DispatchRequestCredential", submitter.DID, req)
	if err != nil {
		return CID{}, "", err
	}
	signedCred, err := cred.Sign(submitter)
	if err != nil {
		return CID{}, "", err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, "", newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal dispatch request credential: %w", err))
	}
	node := DagNode{
		Parents:      parents,
		Author:       submitter.DID,
		Lamport:      lamport,
		Timestamp:    time.Now().UTC(),
		FederationID: req.FederationID,
		Label:        "dispatch-request:" + req.DispatchID,
		Payload:      NewJSONPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, submitter)
	if err != nil {
		return CID{}, "", err
	}
	if err := d.store.Add(signedNode); err != nil {
		return CID{}, "", err
	}
	return signedNode.CID, req.DispatchID, nil
}

// SelectWinner scores every bid matching selector against manifests and
// returns the highest-scoring bidder, per the §4.F formula. Bids from nodes
// whose manifest fails selector are discarded before scoring. Ties break by
// earliest bid timestamp, then lexicographic DID.
func SelectWinner(bids []Bid, manifests map[DID]NodeManifest, selector CapabilitySelector, req DispatchRequestSubject) (Bid, error) {
	eligible := make([]Bid, 0, len(bids))
	for _, b := range bids {
		manifest, ok := manifests[b.Bidder]
		if !ok || !selector.Matches(manifest) {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		return Bid{}, newErr(ErrNotFound, nil, fmt.Errorf("no eligible bids"))
	}
	sort.Slice(eligible, func(i, j int) bool {
		si := eligible[i].Score(req.Priority, req.MaxLatencyMS, req.MemoryMB, req.Cores)
		sj := eligible[j].Score(req.Priority, req.MaxLatencyMS, req.MemoryMB, req.Cores)
		if si != sj {
			return si > sj
		}
		if eligible[i].TimestampUnix != eligible[j].TimestampUnix {
			return eligible[i].TimestampUnix < eligible[j].TimestampUnix
		}
		return eligible[i].Bidder < eligible[j].Bidder
	})
	return eligible[0], nil
}

// IssueDispatchCredential signs and adds the dispatch credential node for
// the winning bid, as a DAG child of the request node, witnessing the
// selector, the number of matching manifests, and the selected bid's score
// (P8).
func (d *DispatchEngine) IssueDispatchCredential(issuer *KeyPair, lamport uint64, requestCID CID, dispatchID string, selector CapabilitySelector, matchingNodes int, winner Bid, req DispatchRequestSubject) (CID, error) {
	subject := DispatchCredentialSubject{
		DispatchID:    dispatchID,
		RequestCID:    requestCID.String(),
		Selector:      selector,
		MatchingNodes: matchingNodes,
		Winner:        winner.Bidder,
		WinningBidRef: winner.BidID,
		Score:         winner.Score(req.Priority, req.MaxLatencyMS, req.MemoryMB, req.Cores),
	}
	cred, err := NewCredential("DispatchCredential", issuer.DID, subject)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(issuer)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal dispatch credential: %w", err))
	}
	node := DagNode{
		Parents:      []CID{requestCID},
		Author:       issuer.DID,
		Lamport:      lamport,
		Timestamp:    time.Now().UTC(),
		FederationID: req.FederationID,
		Label:        "dispatch-credential:" + dispatchID,
		Payload:      NewDispatchCredentialPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, issuer)
	if err != nil {
		return CID{}, err
	}
	if err := d.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	return signedNode.CID, nil
}

// FileReceipt signs and adds an execution receipt as a DAG child of the
// dispatch credential it reports on (resolving the Open Question in §9 in
// favor of child-linkage), so a receipt's provenance is always traceable
// back through the DAG to the dispatch it settles.
func (d *DispatchEngine) FileReceipt(node *KeyPair, lamport uint64, dispatchCredCID CID, dispatchID, moduleRef string, state DispatchState, resultRef, failureReason string) (CID, error) {
	subject := ExecutionReceiptSubject{
		DispatchID:      dispatchID,
		DispatchCredCID: dispatchCredCID.String(),
		ModuleRef:       moduleRef,
		ResultRef:       resultRef,
		State:           state,
		FailureReason:   failureReason,
	}
	cred, err := NewCredential("ExecutionReceiptCredential", node.DID, subject)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(node)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal execution receipt credential: %w", err))
	}
	dagNode := DagNode{
		Parents:   []CID{dispatchCredCID},
		Author:    node.DID,
		Lamport:   lamport,
		Timestamp: time.Now().UTC(),
		Label:     "execution-receipt:" + dispatchID,
		Payload:   NewExecutionReceiptPayload(credBytes),
	}
	signedNode, err := SignDagNode(dagNode, node)
	if err != nil {
		return CID{}, err
	}
	if err := d.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	return signedNode.CID, nil
}
