package graph

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// walRecord is one append-only entry in the write-ahead log. Records are
// written before the in-memory maps are updated, which makes cold-start
// recovery possible: load the snapshot, then replay the log tail.
type walRecord struct {
	OpID      int64           `json:"op_id"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// WAL operation names.
const (
	opUpsertNode = "upsert_node"
	opUpsertEdge = "upsert_edge"
)

// Persisted file names inside the store directory.
const (
	nodeSnapshotFile = "nodes.json"
	edgeSnapshotFile = "edges.json"
	walFile          = "wal.jsonl"
)

// nodeSnapshot is the on-disk shape of the node map. LastOp records the
// highest WAL op id folded into the snapshot; replay skips older entries.
type nodeSnapshot struct {
	LastOp int64  `json:"last_op"`
	Nodes  []Node `json:"nodes"`
}

type edgeSnapshot struct {
	LastOp int64  `json:"last_op"`
	Edges  []Edge `json:"edges"`
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// appendWAL writes a record to the log. Must be called with the store lock
// held and before the corresponding in-memory update.
func (s *Store) appendWAL(operation string, data interface{}) error {
	if s.dir == "" {
		s.lastOp++
		return nil
	}

	s.lastOp++
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal wal data: %w", err)
	}
	record := walRecord{
		OpID:      s.lastOp,
		Operation: operation,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, walFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	return nil
}

// writeSnapshot flushes the node and edge maps to stable storage. Must be
// called with the store lock held.
func (s *Store) writeSnapshot() error {
	if s.dir == "" {
		return nil
	}

	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e)
	}

	if err := writeJSONFile(filepath.Join(s.dir, nodeSnapshotFile), nodeSnapshot{LastOp: s.lastOp, Nodes: nodes}); err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(s.dir, edgeSnapshotFile), edgeSnapshot{LastOp: s.lastOp, Edges: edges})
}

// writeJSONFile writes through a temp file and renames, so a crash mid-write
// never leaves a torn snapshot.
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// load restores the store from disk: snapshots first, then any WAL records
// newer than the snapshot's last op.
func (s *Store) load() error {
	var ns nodeSnapshot
	if ok, err := readJSONFile(filepath.Join(s.dir, nodeSnapshotFile), &ns); err != nil {
		return err
	} else if ok {
		for _, n := range ns.Nodes {
			s.nodes[n.ID] = n
		}
		s.lastOp = ns.LastOp
	}

	var es edgeSnapshot
	if ok, err := readJSONFile(filepath.Join(s.dir, edgeSnapshotFile), &es); err != nil {
		return err
	} else if ok {
		for _, e := range es.Edges {
			s.edges[e.ID] = e
			s.indexEdge(e)
		}
		if es.LastOp > s.lastOp {
			s.lastOp = es.LastOp
		}
	}

	return s.replayWAL()
}

func readJSONFile(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// replayWAL applies log records newer than the snapshot. Corrupt trailing
// lines (torn writes) are skipped rather than failing the whole load.
func (s *Store) replayWAL() error {
	f, err := os.Open(filepath.Join(s.dir, walFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record walRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.OpID <= s.lastOp {
			continue
		}
		switch record.Operation {
		case opUpsertNode:
			var n Node
			if err := json.Unmarshal(record.Data, &n); err == nil && n.ID != "" {
				s.nodes[n.ID] = n
			}
		case opUpsertEdge:
			var e Edge
			if err := json.Unmarshal(record.Data, &e); err == nil && e.ID != "" {
				if _, seen := s.edges[e.ID]; !seen {
					s.indexEdge(e)
				}
				s.edges[e.ID] = e
			}
		}
		if record.OpID > s.lastOp {
			s.lastOp = record.OpID
		}
	}
	return scanner.Err()
}
