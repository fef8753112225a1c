package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/covenantmesh/fednet/core"
)

func mustKeyPair(t *testing.T) *core.KeyPair {
	t.Helper()
	kp, err := core.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

func addDispatchCredential(t *testing.T, store core.Store, kp *core.KeyPair, parents []core.CID, lamport uint64, label string) core.SignedDagNode {
	t.Helper()
	node := core.DagNode{
		Parents: parents,
		Author:  kp.DID,
		Lamport: lamport,
		Label:   label,
		Payload: core.NewDispatchCredentialPayload([]byte(`{"type":["DispatchCredential"]}`)),
	}
	signed, err := core.SignDagNode(node, kp)
	if err != nil {
		t.Fatalf("sign node: %v", err)
	}
	if err := store.Add(signed); err != nil {
		t.Fatalf("add node: %v", err)
	}
	return signed
}

func TestHandleLatestDispatchesOrdersNewestFirstAndFiltersTag(t *testing.T) {
	store := core.NewMemStore()
	kp := mustKeyPair(t)

	plain := core.DagNode{Author: kp.DID, Label: "not-a-dispatch", Payload: core.NewJSONPayload([]byte(`{}`))}
	signedPlain, err := core.SignDagNode(plain, kp)
	if err != nil {
		t.Fatalf("sign plain node: %v", err)
	}
	if err := store.Add(signedPlain); err != nil {
		t.Fatalf("add plain node: %v", err)
	}

	first := addDispatchCredential(t, store, kp, []core.CID{signedPlain.CID}, 1, "dispatch-credential:first")
	second := addDispatchCredential(t, store, kp, []core.CID{first.CID}, 2, "dispatch-credential:second")

	runtime := core.NewRuntime(store, nil, nil, 1, nil)
	server := NewServer(runtime)

	req := httptest.NewRequest(http.MethodGet, "/api/dispatches/latest?limit=10", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ids []string
	if err := json.Unmarshal(rec.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected only the two dispatch-credential nodes, got %d: %v", len(ids), ids)
	}
	if ids[0] != second.CID.String() || ids[1] != first.CID.String() {
		t.Fatalf("expected newest-first order [%s, %s], got %v", second.CID, first.CID, ids)
	}
}
