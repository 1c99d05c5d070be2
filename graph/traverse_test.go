package graph

import (
	"fmt"
	"testing"

	"github.com/dshills/graphplan-go/emit"
)

// chain builds p -> s1 -> s2 -> s3 with part_of then prereq links.
func buildChain(t *testing.T, s *Store) {
	t.Helper()
	s.UpsertNode("p", KindProcedure, map[string]interface{}{"name": "craft"})
	for i := 1; i <= 3; i++ {
		s.UpsertNode(fmt.Sprintf("s%d", i), KindStep, map[string]interface{}{"step_number": i})
	}
	s.UpsertEdge("p", RelPartOf, "s1", nil)
	s.UpsertEdge("s1", RelPrereq, "s2", nil)
	s.UpsertEdge("s2", RelPrereq, "s3", nil)
}

func TestNeighbors_DepthZeroEmpty(t *testing.T) {
	s := newTestStore(t)
	buildChain(t, s)

	if got := s.Neighbors("p", nil, 0); len(got) != 0 {
		t.Errorf("depth 0 must return empty, got %d nodes", len(got))
	}
}

func TestNeighbors_DepthBounded(t *testing.T) {
	s := newTestStore(t)
	buildChain(t, s)

	depth1 := s.Neighbors("p", nil, 1)
	if len(depth1) != 1 || depth1[0].ID != "s1" {
		t.Errorf("depth 1 from p should reach only s1, got %v", ids(depth1))
	}

	depth2 := s.Neighbors("p", nil, 2)
	if len(depth2) != 2 {
		t.Errorf("depth 2 from p should reach s1,s2, got %v", ids(depth2))
	}

	all := s.Neighbors("p", nil, MaxDepth+50)
	if len(all) != 3 {
		t.Errorf("over-limit depth clamps to MaxDepth; expected 3 reachable, got %v", ids(all))
	}
}

func TestNeighbors_IncomingEdgesCount(t *testing.T) {
	s := newTestStore(t)
	buildChain(t, s)

	// s1 has an incoming part_of from p and an outgoing prereq to s2.
	got := s.Neighbors("s1", nil, 1)
	if len(got) != 2 {
		t.Errorf("expected both edge directions traversed, got %v", ids(got))
	}
}

func TestNeighbors_RelFilter(t *testing.T) {
	s := newTestStore(t)
	buildChain(t, s)

	got := s.Neighbors("s1", []Rel{RelPrereq}, 1)
	if len(got) != 1 || got[0].ID != "s2" {
		t.Errorf("prereq filter from s1 should reach only s2, got %v", ids(got))
	}
}

func TestNeighbors_ExcludesSeedAndDedupes(t *testing.T) {
	s := newTestStore(t)
	s.UpsertNode("a", KindConcept, nil)
	s.UpsertNode("b", KindConcept, nil)
	s.UpsertNode("c", KindConcept, nil)
	// Diamond back to the seed: a->b, a->c, b->a (cycle).
	s.UpsertEdge("a", RelDependsOn, "b", nil)
	s.UpsertEdge("a", RelDependsOn, "c", nil)
	s.UpsertEdge("b", RelDependsOn, "a", nil)

	got := s.Neighbors("a", nil, 5)
	if len(got) != 2 {
		t.Errorf("seed must be excluded and results deduped, got %v", ids(got))
	}
	for _, n := range got {
		if n.ID == "a" {
			t.Error("seed node leaked into neighbor set")
		}
	}
}

func TestNeighbors_TruncationEvent(t *testing.T) {
	s, err := NewStore("", nil)
	if err != nil {
		t.Fatal(err)
	}
	buffered := emit.NewBufferedEmitter()
	s.emitter = buffered

	s.UpsertNode("hub", KindConcept, nil)
	for i := 0; i < MaxNeighbors+10; i++ {
		id := fmt.Sprintf("n%d", i)
		s.UpsertNode(id, KindEntity, nil)
		s.UpsertEdge("hub", RelDependsOn, id, nil)
	}

	got := s.Neighbors("hub", nil, 1)
	if len(got) != MaxNeighbors {
		t.Errorf("expected result capped at %d, got %d", MaxNeighbors, len(got))
	}

	events := buffered.HistoryWithFilter("", emit.HistoryFilter{Msg: "traversal_truncated"})
	if len(events) == 0 {
		t.Error("expected a truncation event to be emitted")
	}
}

func TestNeighbors_UnknownSeed(t *testing.T) {
	s := newTestStore(t)
	if got := s.Neighbors("nope", nil, 3); len(got) != 0 {
		t.Errorf("unknown seed must return empty, got %v", ids(got))
	}
}

func ids(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
