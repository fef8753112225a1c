package core

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerState is per-peer trust bookkeeping, kept entirely separate from the
// DAG store so peer reputation never entangles with DAG content, matching
// the way peer_management.go kept its PeerManagement bookkeeping
// outside the ledger.
type PeerState struct {
	ID          peer.ID
	DID         DID
	TrustScore  float64 // 0..100
	Quarantined bool
}

const (
	initialTrustScore    = 50.0
	invalidSigPenalty    = 15.0
	quarantineThreshold  = 10.0
	validSigReward       = 2.0
	maxTrustScore        = 100.0
)

// PeerRegistry tracks the trust score and quarantine status of every peer
// this node has exchanged signed DAG nodes with, adapted from
// peer_management.go's PeerManagement for a trust-score concern that file
// never had (it only tracked liveness).
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[peer.ID]*PeerState
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[peer.ID]*PeerState)}
}

// Observe ensures p has a tracked state, creating one at the initial trust
// score if this is the first time p is seen.
func (r *PeerRegistry) Observe(p peer.ID, did DID) *PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[p]
	if !ok {
		st = &PeerState{ID: p, DID: did, TrustScore: initialTrustScore}
		r.peers[p] = st
	}
	return st
}

// RecordValidSignature rewards p for a node that passed verification.
func (r *PeerRegistry) RecordValidSignature(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[p]
	if !ok {
		return
	}
	st.TrustScore += validSigReward
	if st.TrustScore > maxTrustScore {
		st.TrustScore = maxTrustScore
	}
}

// RecordInvalidSignature penalizes p for sending a node that failed
// verification, quarantining it once its score drops below the threshold.
func (r *PeerRegistry) RecordInvalidSignature(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[p]
	if !ok {
		st = &PeerState{ID: p, TrustScore: initialTrustScore}
		r.peers[p] = st
	}
	st.TrustScore -= invalidSigPenalty
	if st.TrustScore < 0 {
		st.TrustScore = 0
	}
	if st.TrustScore < quarantineThreshold {
		st.Quarantined = true
	}
}

// IsQuarantined reports whether p is currently quarantined.
func (r *PeerRegistry) IsQuarantined(p peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.peers[p]
	return ok && st.Quarantined
}

// Snapshot returns a copy of every tracked peer's state.
func (r *PeerRegistry) Snapshot() []PeerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerState, 0, len(r.peers))
	for _, st := range r.peers {
		out = append(out, *st)
	}
	return out
}
