package core

import "testing"

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

func mustSignedNode(t *testing.T, kp *KeyPair, parents []CID, lamport uint64, payload string) SignedDagNode {
	t.Helper()
	node := DagNode{
		Parents: parents,
		Author:  kp.DID,
		Lamport: lamport,
		Payload: NewRawPayload([]byte(payload)),
	}
	signed, err := SignDagNode(node, kp)
	if err != nil {
		t.Fatalf("sign node: %v", err)
	}
	return signed
}

func TestMemStoreAddAndGet(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")

	if err := store.Add(root); err != nil {
		t.Fatalf("add root: %v", err)
	}
	got, err := store.Get(root.CID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if got.CID.String() != root.CID.String() {
		t.Fatalf("round-tripped node has wrong cid")
	}

	tips := store.Tips()
	if len(tips) != 1 || tips[0].String() != root.CID.String() {
		t.Fatalf("expected single tip = root, got %v", tips)
	}
}

func TestMemStoreRejectsUnknownParent(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	orphanParent, err := ComputeCID([]byte("never added"))
	if err != nil {
		t.Fatalf("compute cid: %v", err)
	}
	node := mustSignedNode(t, kp, []CID{orphanParent}, 0, "child")

	err = store.Add(node)
	if kind, ok := KindOf(err); !ok || kind != ErrInvalidParentRefs {
		t.Fatalf("expected ErrInvalidParentRefs, got %v", err)
	}
}

func TestMemStoreTopoSortAndTips(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	if err := store.Add(root); err != nil {
		t.Fatalf("add root: %v", err)
	}
	child := mustSignedNode(t, kp, []CID{root.CID}, 1, "child")
	if err := store.Add(child); err != nil {
		t.Fatalf("add child: %v", err)
	}

	order, err := store.TopoSort()
	if err != nil {
		t.Fatalf("topo sort: %v", err)
	}
	if len(order) != 2 || order[0].String() != root.CID.String() {
		t.Fatalf("expected root before child in topo order, got %v", order)
	}

	tips := store.Tips()
	if len(tips) != 1 || tips[0].String() != child.CID.String() {
		t.Fatalf("expected child to be the sole tip, got %v", tips)
	}

	children := store.Children(root.CID)
	if len(children) != 1 || children[0].String() != child.CID.String() {
		t.Fatalf("expected root's only child to be child, got %v", children)
	}
}

func TestMemStoreVerifyBranch(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	child := mustSignedNode(t, kp, []CID{root.CID}, 1, "child")
	if err := store.Add(root); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if err := store.Add(child); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if err := store.VerifyBranch(child.CID); err != nil {
		t.Fatalf("expected branch to verify, got %v", err)
	}
}

func TestMemStoreFindPath(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	if err := store.Add(root); err != nil {
		t.Fatalf("add root: %v", err)
	}
	mid := mustSignedNode(t, kp, []CID{root.CID}, 1, "mid")
	if err := store.Add(mid); err != nil {
		t.Fatalf("add mid: %v", err)
	}
	tip := mustSignedNode(t, kp, []CID{mid.CID}, 2, "tip")
	if err := store.Add(tip); err != nil {
		t.Fatalf("add tip: %v", err)
	}

	path, err := store.FindPath(root.CID, tip.CID)
	if err != nil {
		t.Fatalf("find path: %v", err)
	}
	want := []CID{root.CID, mid.CID, tip.CID}
	if len(path) != len(want) {
		t.Fatalf("expected path of length %d, got %d (%v)", len(want), len(path), path)
	}
	for i, c := range want {
		if path[i].String() != c.String() {
			t.Fatalf("path[%d] = %s, want %s", i, path[i], c)
		}
	}

	unreachable := mustSignedNode(t, kp, nil, 3, "other-root")
	if err := store.Add(unreachable); err != nil {
		t.Fatalf("add unreachable: %v", err)
	}
	empty, err := store.FindPath(unreachable.CID, tip.CID)
	if err != nil {
		t.Fatalf("find path with no route: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no path between unrelated roots, got %v", empty)
	}
}

func TestMemStoreByScope(t *testing.T) {
	store := NewMemStore()
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	if err := store.Add(root); err != nil {
		t.Fatalf("add root: %v", err)
	}
	scoped := DagNode{
		Parents: []CID{root.CID},
		Author:  kp.DID,
		Lamport: 1,
		Scope:   ScopeCooperative,
		ScopeID: "coop-1",
		Payload: NewRawPayload([]byte("scoped")),
	}
	signedScoped, err := SignDagNode(scoped, kp)
	if err != nil {
		t.Fatalf("sign scoped node: %v", err)
	}
	if err := store.Add(signedScoped); err != nil {
		t.Fatalf("add scoped node: %v", err)
	}

	got := store.ByScope(ScopeCooperative, "coop-1")
	if len(got) != 1 || got[0].String() != signedScoped.CID.String() {
		t.Fatalf("expected scoped node in ByScope, got %v", got)
	}
	if len(store.ByScope(ScopeCooperative, "coop-2")) != 0 {
		t.Fatalf("expected no nodes for unrelated scope id")
	}
}

func TestFileStoreSurvivesReplay(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileStateBackend(dir + "/dag.wal")
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	fs, err := NewFileStore(backend)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	kp := mustKeyPair(t)
	root := mustSignedNode(t, kp, nil, 0, "genesis")
	child := mustSignedNode(t, kp, []CID{root.CID}, 1, "child")
	if err := fs.Add(root); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if err := fs.Add(child); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close backend: %v", err)
	}

	reopened, err := NewFileStateBackend(dir + "/dag.wal")
	if err != nil {
		t.Fatalf("reopen backend: %v", err)
	}
	defer reopened.Close()
	restored, err := NewFileStore(reopened)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	if !restored.Has(root.CID) || !restored.Has(child.CID) {
		t.Fatalf("expected both nodes to survive replay")
	}
	tips := restored.Tips()
	if len(tips) != 1 || tips[0].String() != child.CID.String() {
		t.Fatalf("expected child as sole tip after replay, got %v", tips)
	}
}
