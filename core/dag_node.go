package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// PayloadTag discriminates which field of Payload is populated. RLP has no
// notion of a Go interface or tagged union, so the payload travels as a flat
// struct of byte-slice fields and a tag, the same shape replication.go uses
// for its wire-level block envelope.
type PayloadTag byte

const (
	PayloadRaw PayloadTag = iota
	PayloadJSON
	PayloadReference
	PayloadTrustBundle
	PayloadExecutionReceipt
	PayloadDispatchCredential
)

// Payload is the RLP-encodable body carried by a DagNode. Exactly the field
// named by Tag is meaningful; the rest are left at their zero value.
type Payload struct {
	Tag                PayloadTag
	Raw                []byte
	JSON               []byte
	Reference          []byte
	TrustBundle        []byte
	ExecutionReceipt   []byte
	DispatchCredential []byte
}

// NewRawPayload wraps an opaque byte blob.
func NewRawPayload(b []byte) Payload { return Payload{Tag: PayloadRaw, Raw: b} }

// NewJSONPayload wraps pre-marshaled JSON.
func NewJSONPayload(b []byte) Payload { return Payload{Tag: PayloadJSON, JSON: b} }

// NewReferencePayload wraps a pointer to externally-stored content, usually
// the bytes of another CID.
func NewReferencePayload(b []byte) Payload { return Payload{Tag: PayloadReference, Reference: b} }

// NewTrustBundlePayload wraps a serialized TrustPolicyRecord.
func NewTrustBundlePayload(b []byte) Payload { return Payload{Tag: PayloadTrustBundle, TrustBundle: b} }

// NewExecutionReceiptPayload wraps a serialized ExecutionReceipt.
func NewExecutionReceiptPayload(b []byte) Payload {
	return Payload{Tag: PayloadExecutionReceipt, ExecutionReceipt: b}
}

// NewDispatchCredentialPayload wraps a serialized DispatchCredential, kept
// under its own tag so readers (the HTTP adapter's latest-dispatches
// endpoint) can filter for it without decoding every JSON-tagged node.
func NewDispatchCredentialPayload(b []byte) Payload {
	return Payload{Tag: PayloadDispatchCredential, DispatchCredential: b}
}

// Bytes returns the active variant's bytes regardless of which field it
// lives in.
func (p Payload) Bytes() []byte {
	switch p.Tag {
	case PayloadJSON:
		return p.JSON
	case PayloadReference:
		return p.Reference
	case PayloadTrustBundle:
		return p.TrustBundle
	case PayloadExecutionReceipt:
		return p.ExecutionReceipt
	case PayloadDispatchCredential:
		return p.DispatchCredential
	default:
		return p.Raw
	}
}

// DagNode is the unsigned content of a governance event: its parent CIDs,
// author DID, a caller-supplied logical clock value (carried in the
// canonical encoding; no store operation orders by it), the wall-clock
// time it was authored, the scope/federation
// metadata it is anchored under, and its payload. Scope and ScopeID are
// immutable once a node is inserted (invariant I5): nothing in this module
// ever rewrites a stored DagNode's fields after Add.
type DagNode struct {
	Parents      []CID
	Author       DID
	Lamport      uint64
	Timestamp    time.Time
	FederationID string
	Scope        ProposalScope
	ScopeID      string
	Label        string
	Payload      Payload
}

// dagNodeRLP mirrors DagNode with RLP-friendly field types: CID and DID are
// both opaque strings to RLP, and time.Time is carried as a Unix nanosecond
// integer since RLP only understands bytes, strings, and uints/lists
// thereof.
type dagNodeRLP struct {
	Parents      []string
	Author       string
	Lamport      uint64
	UnixNanos    int64
	FederationID string
	Scope        string
	ScopeID      string
	Label        string
	Payload      Payload
}

func (n DagNode) toRLP() dagNodeRLP {
	parents := make([]string, len(n.Parents))
	for i, p := range n.Parents {
		parents[i] = p.String()
	}
	return dagNodeRLP{
		Parents:      parents,
		Author:       string(n.Author),
		Lamport:      n.Lamport,
		UnixNanos:    n.Timestamp.UTC().UnixNano(),
		FederationID: n.FederationID,
		Scope:        string(n.Scope),
		ScopeID:      n.ScopeID,
		Label:        n.Label,
		Payload:      n.Payload,
	}
}

func (r dagNodeRLP) toNode() (DagNode, error) {
	parents := make([]CID, len(r.Parents))
	for i, p := range r.Parents {
		c, err := ParseCID(p)
		if err != nil {
			return DagNode{}, err
		}
		parents[i] = c
	}
	return DagNode{
		Parents:      parents,
		Author:       DID(r.Author),
		Lamport:      r.Lamport,
		Timestamp:    time.Unix(0, r.UnixNanos).UTC(),
		FederationID: r.FederationID,
		Scope:        ProposalScope(r.Scope),
		ScopeID:      r.ScopeID,
		Label:        r.Label,
		Payload:      r.Payload,
	}, nil
}

// CanonicalEncode produces the deterministic byte sequence that is both
// signed and hashed into a CID, using go-ethereum's RLP encoder the way
// replication.go encodes wire blocks.
func (n DagNode) CanonicalEncode() ([]byte, error) {
	b, err := rlp.EncodeToBytes(n.toRLP())
	if err != nil {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("rlp encode dag node: %w", err))
	}
	return b, nil
}

// DecodeDagNode reverses CanonicalEncode.
func DecodeDagNode(b []byte) (DagNode, error) {
	var r dagNodeRLP
	if err := rlp.DecodeBytes(b, &r); err != nil {
		return DagNode{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("rlp decode dag node: %w", err))
	}
	return r.toNode()
}

// SignedDagNode is a DagNode plus the Ed25519 signature of its author over
// CanonicalEncode(), and the CID: a multihash over the canonical encoding of
// the node's immutable fields alone. The signature travels alongside the CID
// but is never folded into the hashed bytes, so the CID identifies the node's
// content independent of who signed it or how many times. Storage always
// operates on SignedDagNode; DagNode alone is never persisted.
type SignedDagNode struct {
	Node      DagNode
	Signature []byte
	CID       CID
}

// SignDagNode signs node's canonical encoding with kp, computes the CID from
// that same canonical encoding, and returns the completed SignedDagNode.
func SignDagNode(node DagNode, kp *KeyPair) (SignedDagNode, error) {
	canonical, err := node.CanonicalEncode()
	if err != nil {
		return SignedDagNode{}, err
	}
	sig := Sign(kp.PrivateKey, canonical)
	c, err := ComputeCID(canonical)
	if err != nil {
		return SignedDagNode{}, err
	}
	return SignedDagNode{Node: node, Signature: sig, CID: c}, nil
}

// Verify checks the node's signature against its author's DID and confirms
// CID matches the recomputed content hash, per invariants I1 (signature)
// and I2 (self-certifying CID): recomputing the CID from n.node alone.
func (s SignedDagNode) Verify() error {
	canonical, err := s.Node.CanonicalEncode()
	if err != nil {
		return err
	}
	if err := VerifySignature(s.Node.Author, canonical, s.Signature); err != nil {
		return err
	}
	want, err := ComputeCID(canonical)
	if err != nil {
		return err
	}
	if !want.Cid.Equals(s.CID.Cid) {
		return newErr(ErrCidMismatch, &s.CID, fmt.Errorf("recomputed cid %s does not match declared cid %s", want, s.CID))
	}
	return nil
}

// MarshalJSON encodes a SignedDagNode the same way the sync protocol frames
// one on the wire: canonical RLP bytes, signature, and declared CID. This is
// the encoding external callers (the HTTP adapter) submit and receive.
func (s SignedDagNode) MarshalJSON() ([]byte, error) {
	w, err := toWireNode(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON.
func (s *SignedDagNode) UnmarshalJSON(b []byte) error {
	var w wireNode
	if err := json.Unmarshal(b, &w); err != nil {
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("unmarshal signed dag node: %w", err))
	}
	sn, err := w.toSignedNode()
	if err != nil {
		return err
	}
	*s = sn
	return nil
}
