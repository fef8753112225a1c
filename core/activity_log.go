package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ScopeCharterSubject is the credential subject for the charter node that
// bootstraps a Cooperative or Community scope: its name, its parent scope
// (if any), and the founding members.
type ScopeCharterSubject struct {
	ScopeID     string        `json:"scopeId"`
	Scope       ProposalScope `json:"scope"`
	Name        string        `json:"name"`
	ParentScope string        `json:"parentScope,omitempty"` // CID of the enclosing ScopeCharter
	Founders    []DID         `json:"founders"`
}

// NewScopeCharterNode builds the DagNode+Payload envelope for a scope
// charter that bootstraps a Cooperative or Community scope; every proposal
// in that scope references this node's CID as its ScopeRef.
func NewScopeCharterNode(kp *KeyPair, parents []CID, lamport uint64, subject ScopeCharterSubject) (DagNode, error) {
	cred, err := NewCredential("ScopeCharterCredential", kp.DID, subject)
	if err != nil {
		return DagNode{}, err
	}
	signedCred, err := cred.Sign(kp)
	if err != nil {
		return DagNode{}, err
	}
	credBytes, err := json.Marshal(signedCred)
	if err != nil {
		return DagNode{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal scope charter credential: %w", err))
	}
	return DagNode{
		Parents:      parents,
		Author:       kp.DID,
		Lamport:      lamport,
		Timestamp:    time.Now().UTC(),
		Scope:        subject.Scope,
		ScopeID:      subject.ScopeID,
		Label:        "scope-charter:" + subject.ScopeID,
		Payload:      NewJSONPayload(credBytes),
	}, nil
}

// ActivityEntry is one line of a scope's human-readable timeline: what kind
// of credential landed, who authored it, and when.
type ActivityEntry struct {
	CID       CID
	Author    DID
	Kind      string
	Timestamp string
}

// ActivityLog folds the charter and every DAG node descended from it into a
// flat timeline sorted by timestamp at one-second resolution (the order of
// entries within the same second is not defined), the read-model the
// out-of-scope CLI's "scope activity-log" command would call.
func ActivityLog(store Store, charterCID CID) ([]ActivityEntry, error) {
	order, err := store.TopoSort()
	if err != nil {
		return nil, err
	}

	descendants := map[CID]bool{charterCID: true}
	for _, id := range order {
		node, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		for _, p := range node.Node.Parents {
			if descendants[p] {
				descendants[id] = true
				break
			}
		}
	}

	entries := make([]ActivityEntry, 0, len(descendants))
	for id := range descendants {
		node, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		kind := "Unknown"
		var cred Credential
		if err := json.Unmarshal(node.Node.Payload.Bytes(), &cred); err == nil && len(cred.Type) > 1 {
			kind = cred.Type[1]
		}
		entries = append(entries, ActivityEntry{
			CID:       id,
			Author:    node.Node.Author,
			Kind:      kind,
			Timestamp: node.Node.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries, nil
}
