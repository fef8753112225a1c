package core

import "testing"

func addTrustPolicy(t *testing.T, store Store, kp *KeyPair, parents []CID, lamport uint64, subject TrustPolicySubject) CID {
	t.Helper()
	node, err := NewTrustPolicyNode(kp, parents, lamport, subject)
	if err != nil {
		t.Fatalf("new trust policy node: %v", err)
	}
	signed, err := SignDagNode(node, kp)
	if err != nil {
		t.Fatalf("sign trust policy node: %v", err)
	}
	if err := store.Add(signed); err != nil {
		t.Fatalf("add trust policy node: %v", err)
	}
	return signed.CID
}

func TestPolicyEngineGenesisLineage(t *testing.T) {
	store := NewMemStore()
	admin := mustKeyPair(t)
	genesisID := addTrustPolicy(t, store, admin, nil, 0, TrustPolicySubject{
		FederationID: "fed-1",
		Grants:       []Grant{{Subject: admin.DID, Level: TrustAdmin}},
		QuorumRule:   QuorumRule{Kind: QuorumMajority},
	})

	engine := NewPolicyEngine(store)
	if err := engine.VerifyLineage(genesisID); err != nil {
		t.Fatalf("expected genesis policy to verify, got %v", err)
	}
	latest, err := engine.LatestPolicy()
	if err != nil {
		t.Fatalf("latest policy: %v", err)
	}
	if latest.CID.String() != genesisID.String() {
		t.Fatalf("expected genesis as latest, got %s", latest.CID)
	}
}

func TestPolicyEngineRejectsNonAdminLineage(t *testing.T) {
	store := NewMemStore()
	admin := mustKeyPair(t)
	outsider := mustKeyPair(t)
	genesisID := addTrustPolicy(t, store, admin, nil, 0, TrustPolicySubject{
		FederationID: "fed-1",
		Grants:       []Grant{{Subject: admin.DID, Level: TrustAdmin}, {Subject: outsider.DID, Level: TrustRequestor}},
		QuorumRule:   QuorumRule{Kind: QuorumMajority},
	})

	badID := addTrustPolicy(t, store, outsider, []CID{genesisID}, 1, TrustPolicySubject{
		FederationID:     "fed-1",
		Grants:           []Grant{{Subject: outsider.DID, Level: TrustAdmin}},
		QuorumRule:       QuorumRule{Kind: QuorumMajority},
		PreviousPolicyID: genesisID.String(),
	})

	engine := NewPolicyEngine(store)
	err := engine.VerifyLineage(badID)
	if kind, ok := KindOf(err); !ok || kind != ErrPolicyViolation {
		t.Fatalf("expected ErrPolicyViolation, got %v", err)
	}
}

func TestPolicyEngineAcceptsAdminRotation(t *testing.T) {
	store := NewMemStore()
	admin := mustKeyPair(t)
	newAdmin := mustKeyPair(t)
	genesisID := addTrustPolicy(t, store, admin, nil, 0, TrustPolicySubject{
		FederationID: "fed-1",
		Grants:       []Grant{{Subject: admin.DID, Level: TrustAdmin}},
		QuorumRule:   QuorumRule{Kind: QuorumMajority},
	})
	rotatedID := addTrustPolicy(t, store, admin, []CID{genesisID}, 1, TrustPolicySubject{
		FederationID:     "fed-1",
		Grants:           []Grant{{Subject: newAdmin.DID, Level: TrustAdmin}},
		QuorumRule:       QuorumRule{Kind: QuorumMajority},
		PreviousPolicyID: genesisID.String(),
	})

	engine := NewPolicyEngine(store)
	if err := engine.VerifyLineage(rotatedID); err != nil {
		t.Fatalf("expected admin-issued rotation to verify, got %v", err)
	}
}

func TestQuorumRuleVariants(t *testing.T) {
	a, b, c := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)
	eligible := []DID{a.DID, b.DID, c.DID}

	majority := QuorumRule{Kind: QuorumMajority}
	err := majority.Evaluate([]Vote{{Voter: a.DID, Approve: true}, {Voter: b.DID, Approve: true}}, eligible)
	if err != nil {
		t.Fatalf("expected majority reached, got %v", err)
	}

	threshold := QuorumRule{Kind: QuorumThreshold, ThresholdPct: 70}
	err = threshold.Evaluate([]Vote{{Voter: a.DID, Approve: true}, {Voter: b.DID, Approve: true}}, eligible)
	if err == nil {
		t.Fatalf("expected 66%% approval to miss a 70%% threshold")
	}

	weighted := QuorumRule{Kind: QuorumWeighted, Weights: map[DID]float64{a.DID: 5, b.DID: 1, c.DID: 1}}
	err = weighted.Evaluate([]Vote{{Voter: a.DID, Approve: true}}, eligible)
	if err != nil {
		t.Fatalf("expected heavily-weighted single vote (5 of 7 total) to clear strict majority, got %v", err)
	}

	err = weighted.Evaluate([]Vote{{Voter: b.DID, Approve: true}}, eligible)
	if err == nil {
		t.Fatalf("expected lightly-weighted single vote (1 of 7 total) to miss strict majority")
	}

	veto := QuorumRule{Kind: QuorumAll}
	err = veto.Evaluate([]Vote{{Voter: a.DID, Approve: true}, {Voter: b.DID, Veto: true}}, eligible)
	if err == nil {
		t.Fatalf("expected veto to fail evaluation regardless of rule")
	}
}
