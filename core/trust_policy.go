package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// TrustLevel is the §4.D trust level enum: Full, ManifestProvider,
// Requestor, and Worker are mesh-participation roles with Full subsuming
// the other three; Admin is orthogonal and required to issue or update a
// policy.
type TrustLevel string

const (
	TrustFull             TrustLevel = "Full"
	TrustManifestProvider TrustLevel = "ManifestProvider"
	TrustRequestor        TrustLevel = "Requestor"
	TrustWorker           TrustLevel = "Worker"
	TrustAdmin            TrustLevel = "Admin"
)

// Grant binds a DID to the trust level a policy assigns it, with an
// optional expiry: an expired grant never satisfies IsTrustedFor (§8
// boundary: "Expired trust entry never satisfies is_trusted_for").
type Grant struct {
	Subject DID        `json:"subject"`
	Level   TrustLevel `json:"level"`
	Expires *time.Time `json:"expires,omitempty"`
	Notes   string     `json:"notes,omitempty"`
}

// Expired reports whether g had already lapsed at instant at.
func (g Grant) Expired(at time.Time) bool {
	return g.Expires != nil && at.After(*g.Expires)
}

// Satisfies reports whether g's level covers level, honoring Full's
// subsumption of the three non-admin roles. Admin is orthogonal: an Admin
// grant alone does not satisfy a request for any of the other four levels,
// and a Full grant does not satisfy a request for Admin.
func (g Grant) Satisfies(level TrustLevel) bool {
	if g.Level == level {
		return true
	}
	if g.Level == TrustFull {
		switch level {
		case TrustManifestProvider, TrustRequestor, TrustWorker:
			return true
		}
	}
	return false
}

// TrustPolicySubject is the credentialSubject body of a trust policy
// credential: the policy's own rules, its validity window, plus a pointer
// to the policy it supersedes, forming a DAG-anchored lineage chain.
type TrustPolicySubject struct {
	FederationID     string     `json:"federationId"`
	Grants           []Grant    `json:"grants"`
	QuorumRule       QuorumRule `json:"quorumRule"`
	PreviousPolicyID string     `json:"previousPolicyId,omitempty"`
	EffectiveDate    time.Time  `json:"effectiveDate"`
	ExpirationDate   *time.Time `json:"expirationDate,omitempty"`
}

// Expired reports whether this policy's validity window has lapsed at
// instant at (§4.D lineage check (b)).
func (s TrustPolicySubject) Expired(at time.Time) bool {
	return s.ExpirationDate != nil && at.After(*s.ExpirationDate)
}

// TrustPolicyRecord pairs a signed trust-bundle credential with the CID of
// the DAG node that carries it, so lineage verification can walk parent
// links without re-parsing the credential subject at every hop.
type TrustPolicyRecord struct {
	CID        CID
	Credential Credential
	Subject    TrustPolicySubject
}

// NewTrustPolicyNode builds the DagNode+Payload envelope for a new trust
// policy. The credential is issued and signed by kp before being embedded,
// so the resulting node's payload already carries a verifiable proof; the
// caller only needs to sign and add the enclosing DagNode itself.
func NewTrustPolicyNode(kp *KeyPair, parents []CID, lamport uint64, subject TrustPolicySubject) (DagNode, error) {
	if subject.EffectiveDate.IsZero() {
		subject.EffectiveDate = time.Now().UTC()
	}
	cred, err := NewCredential("TrustPolicyCredential", kp.DID, subject)
	if err != nil {
		return DagNode{}, err
	}
	signedCred, err := cred.Sign(kp)
	if err != nil {
		return DagNode{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return DagNode{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal trust policy credential: %w", err))
	}
	return DagNode{
		Parents:      parents,
		Author:       kp.DID,
		Lamport:      lamport,
		Timestamp:    time.Now().UTC(),
		FederationID: subject.FederationID,
		Scope:        ScopeFederation,
		ScopeID:      subject.FederationID,
		Label:        "trust-policy",
		Payload:      NewTrustBundlePayload(credBytes),
	}, nil
}

// GrantFor returns the grant for subject within this policy, or ok=false if
// subject holds no grant.
func (r TrustPolicyRecord) GrantFor(subject DID) (Grant, bool) {
	for _, g := range r.Subject.Grants {
		if g.Subject == subject {
			return g, true
		}
	}
	return Grant{}, false
}

// IsTrustedFor reports whether subject holds an unexpired grant in this
// policy, as of instant at, that satisfies level.
func (r TrustPolicyRecord) IsTrustedFor(subject DID, level TrustLevel, at time.Time) bool {
	g, ok := r.GrantFor(subject)
	if !ok || g.Expired(at) {
		return false
	}
	return g.Satisfies(level)
}

// LevelAtLeast is a governance-friendly convenience: "eligible to vote" means
// holding Full or Admin trust, the implementer's resolution of the §4.E
// "appropriate level" ambiguity (see DESIGN.md).
func (r TrustPolicyRecord) LevelAtLeast(subject DID, _ TrustLevel) bool {
	return r.IsTrustedFor(subject, TrustFull, time.Now().UTC()) || r.IsTrustedFor(subject, TrustAdmin, time.Now().UTC())
}

// PolicyEngine resolves and verifies trust policy lineage against a Store:
// a policy is valid only if it is the federation genesis policy, or its
// previous_policy_id names a policy whose author held Admin under that
// prior policy.
type PolicyEngine struct {
	store Store
}

// NewPolicyEngine builds a PolicyEngine reading trust policy nodes from store.
func NewPolicyEngine(store Store) *PolicyEngine {
	return &PolicyEngine{store: store}
}

// LoadPolicy fetches and decodes the trust policy node at id.
func (e *PolicyEngine) LoadPolicy(id CID) (TrustPolicyRecord, error) {
	node, err := e.store.Get(id)
	if err != nil {
		return TrustPolicyRecord{}, err
	}
	if node.Node.Payload.Tag != PayloadTrustBundle {
		return TrustPolicyRecord{}, newErr(ErrMalformedRequest, &id, fmt.Errorf("node %s is not a trust policy", id))
	}
	var cred Credential
	if err := json.Unmarshal(node.Node.Payload.TrustBundle, &cred); err != nil {
		return TrustPolicyRecord{}, newErr(ErrMalformedRequest, &id, fmt.Errorf("decode trust policy credential: %w", err))
	}
	if err := cred.Verify(); err != nil {
		return TrustPolicyRecord{}, err
	}
	var subject TrustPolicySubject
	if err := cred.DecodeSubject(&subject); err != nil {
		return TrustPolicyRecord{}, err
	}
	return TrustPolicyRecord{CID: id, Credential: cred, Subject: subject}, nil
}

// VerifyLineage recursively walks previous_policy_id links starting at id,
// confirming each policy is unexpired and its author held an unexpired Admin
// grant under its immediate predecessor, bottoming out at a policy with no
// previous_policy_id (the federation genesis policy, accepted from any
// issuer).
func (e *PolicyEngine) VerifyLineage(id CID) error {
	policy, err := e.LoadPolicy(id)
	if err != nil {
		return err
	}
	if policy.Subject.Expired(time.Now().UTC()) {
		return newErr(ErrPolicyViolation, &id, fmt.Errorf("trust policy %s has expired", id))
	}
	if policy.Subject.PreviousPolicyID == "" {
		return nil
	}
	prevCID, err := ParseCID(policy.Subject.PreviousPolicyID)
	if err != nil {
		return err
	}
	prev, err := e.LoadPolicy(prevCID)
	if err != nil {
		return err
	}
	if !prev.IsTrustedFor(policy.Credential.Issuer, TrustAdmin, time.Now().UTC()) {
		return newErr(ErrPolicyViolation, &id, fmt.Errorf("author %s was not Admin under previous policy %s", policy.Credential.Issuer, prevCID))
	}
	return e.VerifyLineage(prevCID)
}

// LatestPolicy returns the most recently added, lineage-valid trust policy
// in the store, scanning trust-bundle-tagged nodes in topological order and
// keeping the last one whose lineage verifies.
func (e *PolicyEngine) LatestPolicy() (TrustPolicyRecord, error) {
	order, err := e.store.TopoSort()
	if err != nil {
		return TrustPolicyRecord{}, err
	}
	var latest *TrustPolicyRecord
	for _, id := range order {
		node, err := e.store.Get(id)
		if err != nil {
			return TrustPolicyRecord{}, err
		}
		if node.Node.Payload.Tag != PayloadTrustBundle {
			continue
		}
		if err := e.VerifyLineage(id); err != nil {
			continue
		}
		rec, err := e.LoadPolicy(id)
		if err != nil {
			continue
		}
		latest = &rec
	}
	if latest == nil {
		return TrustPolicyRecord{}, newErr(ErrNotFound, nil, fmt.Errorf("no valid trust policy found"))
	}
	return *latest, nil
}
