package core

import "fmt"

// Vote is a single participant's cast ballot: approve, reject, or veto. Veto
// short-circuits evaluation regardless of the configured rule, the same way
// governance_reputation_voting.go treated a rejecting reputation-weighted
// vote as able to sink a proposal outright.
type Vote struct {
	Voter DID
	Veto  bool
	Approve bool
}

// QuorumRule is the sum type over the four supported quorum strategies.
// Exactly one of the typed fields is meaningful, selected by Kind, mirroring
// the flattened-union shape DagNode.Payload uses elsewhere in this package
// for the same reason: clean (de)serialization without a Go interface.
type QuorumRuleKind string

const (
	QuorumAll         QuorumRuleKind = "All"
	QuorumMajority    QuorumRuleKind = "Majority"
	QuorumThreshold   QuorumRuleKind = "Threshold"
	QuorumWeighted    QuorumRuleKind = "Weighted"
)

type QuorumRule struct {
	Kind         QuorumRuleKind
	ThresholdPct float64         // meaningful when Kind == QuorumThreshold
	Weights      map[DID]float64 // meaningful when Kind == QuorumWeighted
}

// Evaluate applies rule to votes cast out of eligible (the full voter roster
// participating, used as the denominator for All/Majority/Threshold). It
// returns nil once quorum is reached, or a *CodedError{Kind: ErrQuorumNotMet}
// otherwise. A single veto always fails the evaluation immediately.
func (r QuorumRule) Evaluate(votes []Vote, eligible []DID) error {
	for _, v := range votes {
		if v.Veto {
			return newErr(ErrQuorumNotMet, nil, fmt.Errorf("vote vetoed by %s", v.Voter))
		}
	}

	approvals := 0
	for _, v := range votes {
		if v.Approve {
			approvals++
		}
	}

	switch r.Kind {
	case QuorumAll:
		if approvals < len(eligible) {
			return newErr(ErrQuorumNotMet, nil, fmt.Errorf("need all %d eligible voters, got %d approvals", len(eligible), approvals))
		}
		return nil
	case QuorumMajority:
		required := len(eligible)/2 + 1
		if approvals < required {
			return newErr(ErrQuorumNotMet, nil, fmt.Errorf("need majority (%d of %d), got %d", required, len(eligible), approvals))
		}
		return nil
	case QuorumThreshold:
		if len(eligible) == 0 {
			return newErr(ErrQuorumNotMet, nil, fmt.Errorf("no eligible voters"))
		}
		pct := float64(approvals) / float64(len(eligible)) * 100
		if pct < r.ThresholdPct {
			return newErr(ErrQuorumNotMet, nil, fmt.Errorf("need %.1f%%, got %.1f%%", r.ThresholdPct, pct))
		}
		return nil
	case QuorumWeighted:
		var total, approved float64
		for _, w := range r.Weights {
			total += w
		}
		if total == 0 {
			return newErr(ErrQuorumNotMet, nil, fmt.Errorf("weighted rule has zero total weight"))
		}
		for _, v := range votes {
			if v.Approve {
				approved += r.Weights[v.Voter]
			}
		}
		if approved <= total/2 {
			return newErr(ErrQuorumNotMet, nil, fmt.Errorf("need strictly more than half of total weight (%.2f), got %.2f", total/2, approved))
		}
		return nil
	default:
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("unknown quorum rule kind %q", r.Kind))
	}
}

// Tracker accumulates votes for a single in-flight decision and reports
// whether quorum is reached after each cast, the incremental-tally idiom
// quorum_tracker.go used for its own QuorumTracker.
type Tracker struct {
	rule     QuorumRule
	eligible []DID
	votes    map[DID]Vote
}

// NewTracker starts a tracker for rule over the given eligible voter roster.
func NewTracker(rule QuorumRule, eligible []DID) *Tracker {
	return &Tracker{rule: rule, eligible: eligible, votes: make(map[DID]Vote)}
}

// AddVote records voter's ballot, replacing any previous vote from the same
// voter.
func (t *Tracker) AddVote(v Vote) {
	t.votes[v.Voter] = v
}

// HasQuorum reports whether the votes recorded so far satisfy the rule.
func (t *Tracker) HasQuorum() error {
	votes := make([]Vote, 0, len(t.votes))
	for _, v := range t.votes {
		votes = append(votes, v)
	}
	return t.rule.Evaluate(votes, t.eligible)
}

// Reset clears all recorded votes, keeping the same rule and roster.
func (t *Tracker) Reset() {
	t.votes = make(map[DID]Vote)
}
