package core

import (
	"encoding/json"
	"fmt"
)

// nodeKeyPrefix, tipKeyPrefix, etc. namespace the flat StateBackend keyspace
// the same way identity_verification.go prefixed identity records, so a
// single KV engine can back several logical indices without collisions.
const (
	nodeKeyPrefix = "dag/node/"
	tipKeyPrefix  = "dag/tip/"
)

// storedNode is the on-disk encoding of a SignedDagNode: the node's
// canonical RLP bytes (so re-verification never depends on how JSON happens
// to marshal floats or map order) alongside the signature and CID.
type storedNode struct {
	NodeCanonical []byte `json:"node_canonical"`
	Signature     []byte `json:"signature"`
	CID           string `json:"cid"`
}

// FileStore is a Store backed by a StateBackend, persisting every signed
// node to durable storage (the tip/author/tag indices are not persisted;
// they are rebuilt in memory when the stored nodes are replayed) while
// keeping the same in-memory graph structure MemStore uses for traversal, so FileStore
// simply wraps a MemStore for the graph and a StateBackend for durability
// rather than re-deriving Kahn's algorithm against disk-resident records.
type FileStore struct {
	mem     *MemStore
	backend StateBackend
}

// NewFileStore opens backend, replays any previously persisted nodes into an
// in-memory MemStore for traversal, and returns the combined store.
func NewFileStore(backend StateBackend) (*FileStore, error) {
	fs := &FileStore{mem: NewMemStore(), backend: backend}
	if err := fs.replay(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) replay() error {
	iter, err := fs.backend.PrefixIterator(nodeKeyPrefix)
	if err != nil {
		return newErr(ErrStorageError, nil, fmt.Errorf("iterate stored nodes: %w", err))
	}
	pending := make([]SignedDagNode, 0)
	for iter.Next() {
		var sn storedNode
		if err := json.Unmarshal(iter.Value(), &sn); err != nil {
			return newErr(ErrStorageError, nil, fmt.Errorf("decode stored node %s: %w", iter.Key(), err))
		}
		node, err := DecodeDagNode(sn.NodeCanonical)
		if err != nil {
			return err
		}
		c, err := ParseCID(sn.CID)
		if err != nil {
			return err
		}
		pending = append(pending, SignedDagNode{Node: node, Signature: sn.Signature, CID: c})
	}
	if err := iter.Err(); err != nil {
		return newErr(ErrStorageError, nil, fmt.Errorf("scan stored nodes: %w", err))
	}

	ordered, err := topoOrderPending(pending)
	if err != nil {
		return err
	}
	for _, n := range ordered {
		if err := fs.mem.Add(n); err != nil {
			return err
		}
	}
	return nil
}

// topoOrderPending sorts a flat slice of signed nodes read back from disk
// into parent-before-child order, since replay must Add parents before the
// children that reference them even though the KV iterator returns keys in
// lexical CID order, not causal order.
func topoOrderPending(nodes []SignedDagNode) ([]SignedDagNode, error) {
	byCID := make(map[CID]SignedDagNode, len(nodes))
	for _, n := range nodes {
		byCID[n.CID] = n
	}
	visited := make(map[CID]bool, len(nodes))
	inStack := make(map[CID]bool, len(nodes))
	ordered := make([]SignedDagNode, 0, len(nodes))

	var visit func(CID) error
	visit = func(id CID) error {
		if visited[id] {
			return nil
		}
		if inStack[id] {
			return newErr(ErrCycleDetected, &id, fmt.Errorf("cycle detected while replaying persisted dag"))
		}
		n, ok := byCID[id]
		if !ok {
			return nil // parent not present among pending nodes; already applied or external
		}
		inStack[id] = true
		for _, p := range n.Node.Parents {
			if err := visit(p); err != nil {
				return err
			}
		}
		inStack[id] = false
		visited[id] = true
		ordered = append(ordered, n)
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.CID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Add persists node to the backend before admitting it into the in-memory
// graph, so a crash between the two leaves only an orphaned disk record,
// never a node visible in memory without a durable backing write.
func (fs *FileStore) Add(node SignedDagNode) error {
	if err := node.Verify(); err != nil {
		return err
	}
	canonical, err := node.Node.CanonicalEncode()
	if err != nil {
		return err
	}
	sn := storedNode{NodeCanonical: canonical, Signature: node.Signature, CID: node.CID.String()}
	b, err := json.Marshal(sn)
	if err != nil {
		return newErr(ErrStorageError, &node.CID, fmt.Errorf("marshal stored node: %w", err))
	}
	if err := fs.backend.SetState(nodeKeyPrefix+node.CID.String(), b); err != nil {
		return newErr(ErrStorageError, &node.CID, fmt.Errorf("persist node: %w", err))
	}
	return fs.mem.Add(node)
}

func (fs *FileStore) Get(id CID) (SignedDagNode, error)         { return fs.mem.Get(id) }
func (fs *FileStore) Has(id CID) bool                           { return fs.mem.Has(id) }
func (fs *FileStore) Tips() []CID                               { return fs.mem.Tips() }
func (fs *FileStore) Children(id CID) []CID                     { return fs.mem.Children(id) }
func (fs *FileStore) ByAuthor(did DID) []CID                    { return fs.mem.ByAuthor(did) }
func (fs *FileStore) ByPayloadTag(tag PayloadTag) []CID         { return fs.mem.ByPayloadTag(tag) }
func (fs *FileStore) ByScope(scope ProposalScope, scopeID string) []CID { return fs.mem.ByScope(scope, scopeID) }
func (fs *FileStore) TopoSort() ([]CID, error)                  { return fs.mem.TopoSort() }
func (fs *FileStore) FindPath(from, to CID) ([]CID, error)      { return fs.mem.FindPath(from, to) }
func (fs *FileStore) VerifyBranch(id CID) error                 { return fs.mem.VerifyBranch(id) }
