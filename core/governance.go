package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProposalScope names the level of the federation a proposal governs,
// mirroring the Federation/Cooperative/Community split a ScopeCharter node
// establishes.
type ProposalScope string

const (
	ScopeFederation  ProposalScope = "Federation"
	ScopeCooperative ProposalScope = "Cooperative"
	ScopeCommunity   ProposalScope = "Community"
)

// ProposalState is the governance state machine's position, advanced only
// by appending new DAG nodes referencing the proposal's credential id; the
// DAG itself is the only authoritative record of state, never a side table.
type ProposalState string

const (
	ProposalDraft    ProposalState = "Draft"
	ProposalActive   ProposalState = "Active"
	ProposalPassed   ProposalState = "Passed"
	ProposalRejected ProposalState = "Rejected"
	ProposalExpired  ProposalState = "Expired"
	ProposalExecuted ProposalState = "Executed"
)

// ProposalSubject is the credential subject carried by a proposal's DAG
// node: what is being proposed, in which scope, against which charter and
// trust policy, plus the voting window and status the governance state
// machine (§4.E) advances through.
type ProposalSubject struct {
	ProposalID            string        `json:"proposalId"`
	Scope                 ProposalScope `json:"scope"`
	ScopeRef              string        `json:"scopeRef,omitempty"` // CID of the ScopeCharter node, if Scope != Federation
	PolicyRef             string        `json:"policyRef"`          // CID of the TrustPolicy this proposal is evaluated under
	Title                 string        `json:"title"`
	Body                  string        `json:"body"`
	Status                ProposalState `json:"status"`
	VotingThresholdPct    float64       `json:"votingThresholdPct,omitempty"`
	VotingDurationSeconds int64         `json:"votingDurationSeconds"`
	VotingStart           time.Time     `json:"votingStart"`
	VotingEnd             time.Time     `json:"votingEnd"`
	ExecutionRef          string        `json:"executionRef,omitempty"`
}

// BallotSubject is the credential subject carried by a vote's DAG node.
type BallotSubject struct {
	ProposalID string `json:"proposalId"`
	ProposalCID string `json:"proposalCid"`
	Approve    bool   `json:"approve"`
	Veto       bool   `json:"veto"`
}

// QuorumProofSubject is the credential subject carried by the terminal
// approval/rejection node: the tally that decided the outcome, so any
// observer can recompute the quorum evaluation without re-walking ballots.
type QuorumProofSubject struct {
	ProposalID string        `json:"proposalId"`
	ProposalCID string       `json:"proposalCid"`
	Outcome    ProposalState `json:"outcome"`
	Approvals  int           `json:"approvals"`
	Rejections int           `json:"rejections"`
	Eligible   int           `json:"eligible"`
}

// GovernanceEngine submits proposals, casts votes, and tallies quorum
// against a Store and its current trust policy, following the shape of
// governance.go's ProposeChange/VoteChange/EnactChange but backing
// every step with DAG nodes instead of a mutable proposal table.
type GovernanceEngine struct {
	store  Store
	policy *PolicyEngine
	log    *zap.SugaredLogger
}

// NewGovernanceEngine builds a GovernanceEngine over store.
func NewGovernanceEngine(store Store, logger *zap.Logger) *GovernanceEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GovernanceEngine{store: store, policy: NewPolicyEngine(store), log: logger.Sugar()}
}

// SubmitProposal signs and adds a new proposal node authored by proposer,
// opening its voting window for votingDuration starting now; the proposal
// enters the Active state immediately. DraftProposal followed by
// ActivateProposal is the two-step path for proposals that start in Draft.
func (g *GovernanceEngine) SubmitProposal(proposer *KeyPair, parents []CID, lamport uint64, scope ProposalScope, scopeRef string, title, body string, votingDuration time.Duration) (CID, error) {
	policy, err := g.policy.LatestPolicy()
	if err != nil {
		return CID{}, err
	}
	now := time.Now().UTC()
	subject := ProposalSubject{
		ProposalID:            uuid.NewString(),
		Scope:                 scope,
		ScopeRef:              scopeRef,
		PolicyRef:             policy.CID.String(),
		Title:                 title,
		Body:                  body,
		Status:                ProposalActive,
		VotingThresholdPct:    policy.Subject.QuorumRule.ThresholdPct,
		VotingDurationSeconds: int64(votingDuration / time.Second),
		VotingStart:           now,
		VotingEnd:             now.Add(votingDuration),
	}
	cred, err := NewCredential("ProposalCredential", proposer.DID, subject)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(proposer)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal proposal credential: %w", err))
	}
	node := DagNode{
		Parents:   parents,
		Author:    proposer.DID,
		Lamport:   lamport,
		Timestamp: now,
		Scope:     scope,
		ScopeID:   scopeRef,
		Label:     "proposal:" + subject.ProposalID,
		Payload:   NewJSONPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, proposer)
	if err != nil {
		return CID{}, err
	}
	if err := g.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	g.log.Infow("proposal submitted", "proposal_id", subject.ProposalID, "cid", signedNode.CID.String(), "scope", scope)
	return signedNode.CID, nil
}

// DraftProposal signs and adds a proposal node in the Draft state: it names
// what is being proposed but opens no voting window, so it cannot be voted
// on or tallied until ActivateProposal admits it. Use this when a proposal
// needs review before its voting clock starts; SubmitProposal remains the
// shortcut for proposals that go Active immediately.
func (g *GovernanceEngine) DraftProposal(proposer *KeyPair, parents []CID, lamport uint64, scope ProposalScope, scopeRef string, title, body string) (CID, error) {
	policy, err := g.policy.LatestPolicy()
	if err != nil {
		return CID{}, err
	}
	subject := ProposalSubject{
		ProposalID:         uuid.NewString(),
		Scope:              scope,
		ScopeRef:           scopeRef,
		PolicyRef:          policy.CID.String(),
		Title:              title,
		Body:               body,
		Status:             ProposalDraft,
		VotingThresholdPct: policy.Subject.QuorumRule.ThresholdPct,
	}
	cred, err := NewCredential("ProposalCredential", proposer.DID, subject)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(proposer)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal proposal credential: %w", err))
	}
	node := DagNode{
		Parents:   parents,
		Author:    proposer.DID,
		Lamport:   lamport,
		Timestamp: time.Now().UTC(),
		Scope:     scope,
		ScopeID:   scopeRef,
		Label:     "proposal-draft:" + subject.ProposalID,
		Payload:   NewJSONPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, proposer)
	if err != nil {
		return CID{}, err
	}
	if err := g.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	g.log.Infow("proposal drafted", "proposal_id", subject.ProposalID, "cid", signedNode.CID.String(), "scope", scope)
	return signedNode.CID, nil
}

// ActivateProposal appends an activation node as a DAG child of a Draft
// proposal at draftCID, opening its voting window for votingDuration
// starting now and advancing status Draft→Active. CastVote and Tally
// operate on the activation node's CID from this point on, not the draft's.
func (g *GovernanceEngine) ActivateProposal(activator *KeyPair, lamport uint64, draftCID CID, votingDuration time.Duration) (CID, error) {
	draftNode, err := g.store.Get(draftCID)
	if err != nil {
		return CID{}, err
	}
	var draftCred Credential
	if err := json.Unmarshal(draftNode.Node.Payload.Bytes(), &draftCred); err != nil {
		return CID{}, newErr(ErrMalformedRequest, &draftCID, fmt.Errorf("decode draft proposal credential: %w", err))
	}
	var draft ProposalSubject
	if err := draftCred.DecodeSubject(&draft); err != nil {
		return CID{}, err
	}
	if draft.Status != ProposalDraft {
		return CID{}, newErr(ErrPolicyViolation, &draftCID, fmt.Errorf("proposal %s is not in Draft state (status %s)", draft.ProposalID, draft.Status))
	}
	for _, childCID := range g.store.Children(draftCID) {
		childNode, err := g.store.Get(childCID)
		if err != nil {
			continue
		}
		var childCred Credential
		if err := json.Unmarshal(childNode.Node.Payload.Bytes(), &childCred); err != nil {
			continue
		}
		for _, t := range childCred.Type {
			if t == "ProposalCredential" {
				return CID{}, newErr(ErrPolicyViolation, &draftCID, fmt.Errorf("proposal %s has already been activated", draft.ProposalID))
			}
		}
	}

	now := time.Now().UTC()
	subject := draft
	subject.Status = ProposalActive
	subject.VotingDurationSeconds = int64(votingDuration / time.Second)
	subject.VotingStart = now
	subject.VotingEnd = now.Add(votingDuration)

	cred, err := NewCredential("ProposalCredential", activator.DID, subject)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(activator)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal proposal credential: %w", err))
	}
	node := DagNode{
		Parents:   []CID{draftCID},
		Author:    activator.DID,
		Lamport:   lamport,
		Timestamp: now,
		Scope:     draftNode.Node.Scope,
		ScopeID:   draftNode.Node.ScopeID,
		Label:     "proposal:" + subject.ProposalID,
		Payload:   NewJSONPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, activator)
	if err != nil {
		return CID{}, err
	}
	if err := g.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	g.log.Infow("proposal activated", "proposal_id", subject.ProposalID, "cid", signedNode.CID.String())
	return signedNode.CID, nil
}

// CastVote signs and adds a ballot node for proposalCID, rejecting the
// ballot before it ever reaches the store if voter does not hold an
// unexpired Full or Admin grant under the policy the proposal was submitted
// against.
func (g *GovernanceEngine) CastVote(voter *KeyPair, parents []CID, lamport uint64, proposalID string, proposalCID CID, approve, veto bool) (CID, error) {
	proposalNode, err := g.store.Get(proposalCID)
	if err != nil {
		return CID{}, err
	}
	var proposalCred Credential
	if err := json.Unmarshal(proposalNode.Node.Payload.Bytes(), &proposalCred); err != nil {
		return CID{}, newErr(ErrMalformedRequest, &proposalCID, fmt.Errorf("decode proposal credential: %w", err))
	}
	var proposalSubject ProposalSubject
	if err := proposalCred.DecodeSubject(&proposalSubject); err != nil {
		return CID{}, err
	}
	policyCID, err := ParseCID(proposalSubject.PolicyRef)
	if err != nil {
		return CID{}, err
	}
	policy, err := g.policy.LoadPolicy(policyCID)
	if err != nil {
		return CID{}, err
	}
	if !policy.IsTrustedFor(voter.DID, TrustFull, time.Now().UTC()) && !policy.IsTrustedFor(voter.DID, TrustAdmin, time.Now().UTC()) {
		return CID{}, newErr(ErrUnauthorized, &proposalCID, fmt.Errorf("%s does not hold voting-eligible trust under policy %s", voter.DID, policyCID))
	}
	if proposalSubject.Status != ProposalActive {
		return CID{}, newErr(ErrPolicyViolation, &proposalCID, fmt.Errorf("proposal %s is not open for voting (status %s)", proposalID, proposalSubject.Status))
	}
	if !proposalSubject.VotingEnd.IsZero() && time.Now().UTC().After(proposalSubject.VotingEnd) {
		return CID{}, newErr(ErrPolicyViolation, &proposalCID, fmt.Errorf("voting window for proposal %s closed at %s", proposalID, proposalSubject.VotingEnd))
	}

	subject := BallotSubject{ProposalID: proposalID, ProposalCID: proposalCID.String(), Approve: approve, Veto: veto}
	cred, err := NewCredential("BallotCredential", voter.DID, subject)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(voter)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal ballot credential: %w", err))
	}
	node := DagNode{
		Parents:   parents,
		Author:    voter.DID,
		Lamport:   lamport,
		Timestamp: time.Now().UTC(),
		Scope:     proposalNode.Node.Scope,
		ScopeID:   proposalNode.Node.ScopeID,
		Label:     "ballot:" + proposalID,
		Payload:   NewJSONPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, voter)
	if err != nil {
		return CID{}, err
	}
	if err := g.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	g.log.Infow("vote cast", "proposal_id", proposalID, "voter", voter.DID, "approve", approve, "veto", veto)
	return signedNode.CID, nil
}

// Tally walks every ballot node referencing proposalCID, evaluates them
// against the proposal's trust policy quorum rule, and returns the outcome
// without writing anything to the store; EnactProposal is what commits a
// QuorumProof node once the caller decides to finalize.
func (g *GovernanceEngine) Tally(proposalCID CID) (QuorumProofSubject, error) {
	proposalNode, err := g.store.Get(proposalCID)
	if err != nil {
		return QuorumProofSubject{}, err
	}
	var proposalCred Credential
	if err := json.Unmarshal(proposalNode.Node.Payload.Bytes(), &proposalCred); err != nil {
		return QuorumProofSubject{}, newErr(ErrMalformedRequest, &proposalCID, fmt.Errorf("decode proposal credential: %w", err))
	}
	var proposalSubject ProposalSubject
	if err := proposalCred.DecodeSubject(&proposalSubject); err != nil {
		return QuorumProofSubject{}, err
	}
	policyCID, err := ParseCID(proposalSubject.PolicyRef)
	if err != nil {
		return QuorumProofSubject{}, err
	}
	policy, err := g.policy.LoadPolicy(policyCID)
	if err != nil {
		return QuorumProofSubject{}, err
	}

	now := time.Now().UTC()
	eligible := make([]DID, 0, len(policy.Subject.Grants))
	for _, grant := range policy.Subject.Grants {
		if grant.Expired(now) {
			continue
		}
		if grant.Level == TrustFull || grant.Level == TrustAdmin {
			eligible = append(eligible, grant.Subject)
		}
	}
	eligibleSet := make(map[DID]bool, len(eligible))
	for _, d := range eligible {
		eligibleSet[d] = true
	}

	votes := make([]Vote, 0)
	for _, childCID := range g.store.ByPayloadTag(PayloadJSON) {
		childNode, err := g.store.Get(childCID)
		if err != nil {
			continue
		}
		var childCred Credential
		if err := json.Unmarshal(childNode.Node.Payload.Bytes(), &childCred); err != nil {
			continue
		}
		isBallot := false
		for _, t := range childCred.Type {
			if t == "BallotCredential" {
				isBallot = true
			}
		}
		if !isBallot {
			continue
		}
		var ballot BallotSubject
		if err := childCred.DecodeSubject(&ballot); err != nil {
			continue
		}
		if ballot.ProposalCID != proposalCID.String() {
			continue
		}
		if !eligibleSet[childCred.Issuer] {
			continue
		}
		votes = append(votes, Vote{Voter: childCred.Issuer, Approve: ballot.Approve, Veto: ballot.Veto})
	}

	approvals, rejections := 0, 0
	for _, v := range votes {
		if v.Approve {
			approvals++
		} else {
			rejections++
		}
	}

	veto := false
	for _, v := range votes {
		if v.Veto {
			veto = true
			break
		}
	}

	quorumErr := policy.Subject.QuorumRule.Evaluate(votes, eligible)
	var outcome ProposalState
	switch {
	case quorumErr == nil:
		outcome = ProposalPassed
	case veto:
		outcome = ProposalRejected
	case !proposalSubject.VotingEnd.IsZero() && now.Before(proposalSubject.VotingEnd):
		outcome = ProposalActive // voting window still open: the Pending tally result
	default:
		outcome = ProposalExpired
	}

	return QuorumProofSubject{
		ProposalID:  proposalSubject.ProposalID,
		ProposalCID: proposalCID.String(),
		Outcome:     outcome,
		Approvals:   approvals,
		Rejections:  rejections,
		Eligible:    len(eligible),
	}, nil
}

// EnactProposal tallies proposalCID and appends the terminal QuorumProof
// node as a DAG child of the proposal, making the outcome itself part of
// the authoritative ledger.
func (g *GovernanceEngine) EnactProposal(enactor *KeyPair, lamport uint64, proposalCID CID) (CID, error) {
	proof, err := g.Tally(proposalCID)
	if err != nil {
		return CID{}, err
	}
	if proof.Outcome == ProposalActive {
		return CID{}, newErr(ErrQuorumNotMet, &proposalCID, fmt.Errorf("proposal %s voting window is still open", proof.ProposalID))
	}
	cred, err := NewCredential("QuorumProofCredential", enactor.DID, proof)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(enactor)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal quorum proof credential: %w", err))
	}
	proposalNode, err := g.store.Get(proposalCID)
	if err != nil {
		return CID{}, err
	}
	node := DagNode{
		Parents:   []CID{proposalCID},
		Author:    enactor.DID,
		Lamport:   lamport,
		Timestamp: time.Now().UTC(),
		Scope:     proposalNode.Node.Scope,
		ScopeID:   proposalNode.Node.ScopeID,
		Label:     "quorum-proof:" + proof.ProposalID,
		Payload:   NewJSONPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, enactor)
	if err != nil {
		return CID{}, err
	}
	if err := g.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	g.log.Infow("proposal enacted", "proposal_cid", proposalCID.String(), "outcome", proof.Outcome)
	return signedNode.CID, nil
}

// ExecutionRecordSubject is the credential subject anchoring the
// Passed→Executed transition: it names the executionRef (an off-ledger or
// on-ledger reference to whatever carried out the proposal's effect) and
// points back at the QuorumProof node that passed it.
type ExecutionRecordSubject struct {
	ProposalID   string        `json:"proposalId"`
	ProposalCID  string        `json:"proposalCid"`
	ExecutionRef string        `json:"executionRef"`
	Status       ProposalState `json:"status"`
}

// RecordExecution appends an ExecutionRecord node as a DAG child of the
// QuorumProof node at quorumProofCID, refusing to anchor execution against
// any proof whose outcome was not Passed.
func (g *GovernanceEngine) RecordExecution(executor *KeyPair, lamport uint64, quorumProofCID CID, executionRef string) (CID, error) {
	proofNode, err := g.store.Get(quorumProofCID)
	if err != nil {
		return CID{}, err
	}
	var proofCred Credential
	if err := json.Unmarshal(proofNode.Node.Payload.Bytes(), &proofCred); err != nil {
		return CID{}, newErr(ErrMalformedRequest, &quorumProofCID, fmt.Errorf("decode quorum proof credential: %w", err))
	}
	var proof QuorumProofSubject
	if err := proofCred.DecodeSubject(&proof); err != nil {
		return CID{}, err
	}
	if proof.Outcome != ProposalPassed {
		return CID{}, newErr(ErrPolicyViolation, &quorumProofCID, fmt.Errorf("proposal %s did not pass (outcome %s), nothing to execute", proof.ProposalID, proof.Outcome))
	}

	subject := ExecutionRecordSubject{ProposalID: proof.ProposalID, ProposalCID: proof.ProposalCID, ExecutionRef: executionRef, Status: ProposalExecuted}
	cred, err := NewCredential("ExecutionRecordCredential", executor.DID, subject)
	if err != nil {
		return CID{}, err
	}
	signedCred, err := cred.Sign(executor)
	if err != nil {
		return CID{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal execution record credential: %w", err))
	}
	node := DagNode{
		Parents:   []CID{quorumProofCID},
		Author:    executor.DID,
		Lamport:   lamport,
		Timestamp: time.Now().UTC(),
		Scope:     proofNode.Node.Scope,
		ScopeID:   proofNode.Node.ScopeID,
		Label:     "execution-record:" + proof.ProposalID,
		Payload:   NewJSONPayload(credBytes),
	}
	signedNode, err := SignDagNode(node, executor)
	if err != nil {
		return CID{}, err
	}
	if err := g.store.Add(signedNode); err != nil {
		return CID{}, err
	}
	g.log.Infow("proposal execution recorded", "proposal_id", proof.ProposalID, "execution_ref", executionRef)
	return signedNode.CID, nil
}
