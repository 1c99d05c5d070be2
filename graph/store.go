package graph

import (
	"sync"
	"time"

	"github.com/dshills/graphplan-go/emit"
)

// Store is the versioned property-graph store.
//
// It holds nodes and edges in memory, guarded by a reader-writer lock:
// mutations are serialized, read traversals run concurrently. Every
// mutation is sanitized, appended to the write-ahead log, applied to the
// in-memory maps, and flushed to the JSON snapshots.
//
// A Store created with an empty directory is memory-only (tests, ephemeral
// planning); with a directory it survives restarts by loading the snapshot
// and replaying the WAL tail.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]Node
	edges    map[string]Edge
	incident map[string][]string // node id -> incident edge ids, both directions
	dir      string
	lastOp   int64
	emitter  emit.Emitter
}

// Stats summarizes store contents.
type Stats struct {
	Nodes       int          `json:"nodes"`
	Edges       int          `json:"edges"`
	NodesByKind map[Kind]int `json:"nodes_by_kind"`
	EdgesByRel  map[Rel]int  `json:"edges_by_rel"`
	WALOps      int64        `json:"wal_ops"`
}

// NewStore creates a graph store. dir is the persistence directory ("" for
// memory-only). emitter receives truncation and storage events; nil
// disables emission.
func NewStore(dir string, emitter emit.Emitter) (*Store, error) {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	s := &Store{
		nodes:    make(map[string]Node),
		edges:    make(map[string]Edge),
		incident: make(map[string][]string),
		dir:      dir,
		emitter:  emitter,
	}
	if dir != "" {
		if err := ensureDir(dir); err != nil {
			return nil, &StoreError{Message: "create store directory: " + err.Error(), Code: "STORAGE_FAILURE", Cause: err}
		}
		if err := s.load(); err != nil {
			return nil, &StoreError{Message: "load store: " + err.Error(), Code: "STORAGE_FAILURE", Cause: err}
		}
	}
	return s, nil
}

// UpsertNode inserts or updates a node.
//
// Properties are sanitized (PII redaction, string truncation) before they
// reach the WAL or the in-memory map. If the id pre-exists, the version
// increments and properties merge (new values win); otherwise the node is
// created at version 1.
//
// Returns ErrInvalidType when kind is outside the closed enumeration.
func (s *Store) UpsertNode(id string, kind Kind, props map[string]interface{}) (Node, error) {
	if !ValidKind(kind) {
		return Node{}, &StoreError{Message: "unknown node kind: " + string(kind), Code: "INVALID_TYPE", Cause: ErrInvalidType}
	}

	clean := SanitizeProperties(props)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	node := Node{
		ID:         id,
		Kind:       kind,
		Properties: clean,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	if existing, ok := s.nodes[id]; ok {
		node.CreatedAt = existing.CreatedAt
		node.Version = existing.Version + 1
		node.Properties = mergeProps(existing.Properties, clean)
	}

	if err := s.appendWAL(opUpsertNode, node); err != nil {
		s.emitStorageError(err)
	}
	s.nodes[id] = node
	if err := s.writeSnapshot(); err != nil {
		s.emitStorageError(err)
		return node, &StoreError{Message: "snapshot write failed: " + err.Error(), Code: "STORAGE_FAILURE", Cause: err}
	}
	return node, nil
}

// UpsertEdge inserts or updates a typed edge between two existing nodes.
//
// The edge id derives deterministically from (source, rel, target):
// identical triples upsert (version increments, properties merge).
//
// Returns ErrInvalidType for an unknown relation, ErrMissingNode when
// either endpoint is absent.
func (s *Store) UpsertEdge(source string, rel Rel, target string, props map[string]interface{}) (Edge, error) {
	if !ValidRel(rel) {
		return Edge{}, &StoreError{Message: "unknown edge relation: " + string(rel), Code: "INVALID_TYPE", Cause: ErrInvalidType}
	}

	clean := SanitizeProperties(props)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[source]; !ok {
		return Edge{}, &StoreError{Message: "source node not found: " + source, Code: "MISSING_NODE", Cause: ErrMissingNode}
	}
	if _, ok := s.nodes[target]; !ok {
		return Edge{}, &StoreError{Message: "target node not found: " + target, Code: "MISSING_NODE", Cause: ErrMissingNode}
	}

	id := EdgeID(source, rel, target)
	edge := Edge{
		ID:         id,
		Source:     source,
		Rel:        rel,
		Target:     target,
		Properties: clean,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	existing, seen := s.edges[id]
	if seen {
		edge.CreatedAt = existing.CreatedAt
		edge.Version = existing.Version + 1
		edge.Properties = mergeProps(existing.Properties, clean)
	}

	if err := s.appendWAL(opUpsertEdge, edge); err != nil {
		s.emitStorageError(err)
	}
	s.edges[id] = edge
	if !seen {
		s.indexEdge(edge)
	}
	if err := s.writeSnapshot(); err != nil {
		s.emitStorageError(err)
		return edge, &StoreError{Message: "snapshot write failed: " + err.Error(), Code: "STORAGE_FAILURE", Cause: err}
	}
	return edge, nil
}

// GetNode returns the node with the given id, if present.
func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	return node, ok
}

// GetEdge returns the edge with the given id, if present.
func (s *Store) GetEdge(id string) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[id]
	return edge, ok
}

// Nodes returns a snapshot of all nodes. Used by seeding scans in the
// planner and reasoner; order is unspecified.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// Statistics reports node/edge counts broken down by kind and relation.
func (s *Store) Statistics() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Nodes:       len(s.nodes),
		Edges:       len(s.edges),
		NodesByKind: make(map[Kind]int),
		EdgesByRel:  make(map[Rel]int),
		WALOps:      s.lastOp,
	}
	for _, n := range s.nodes {
		stats.NodesByKind[n.Kind]++
	}
	for _, e := range s.edges {
		stats.EdgesByRel[e.Rel]++
	}
	return stats
}

// indexEdge records the edge under both endpoints. Caller holds the lock.
func (s *Store) indexEdge(e Edge) {
	s.incident[e.Source] = append(s.incident[e.Source], e.ID)
	if e.Target != e.Source {
		s.incident[e.Target] = append(s.incident[e.Target], e.ID)
	}
}

func (s *Store) emitStorageError(err error) {
	s.emitter.Emit(emit.Event{
		Msg:  "storage_error",
		Meta: map[string]interface{}{"error": err.Error()},
	})
}

func mergeProps(existing, update map[string]interface{}) map[string]interface{} {
	if existing == nil {
		return update
	}
	merged := make(map[string]interface{}, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
