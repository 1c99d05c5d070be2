package graph

import "github.com/dshills/graphplan-go/emit"

// Traversal limits. Neighbors never descends past MaxDepth levels and
// never returns more than MaxNeighbors nodes, regardless of caller input.
const (
	MaxDepth     = 10
	MaxNeighbors = 1000
)

// Neighbors performs a breadth-first walk from the seed node up to
// min(depth, MaxDepth) levels and returns the discovered neighbors.
//
// At each level every incident edge of the frontier (incoming and
// outgoing) is inspected; the neighbor is the opposite endpoint, filtered
// by rels when non-empty. The seed itself is excluded, and nodes are
// deduplicated across levels. Discovery stops early once MaxNeighbors
// nodes have been found, emitting a "traversal_truncated" event.
//
// Depth 0 returns an empty result. An unknown seed id returns an empty
// result as well.
func (s *Store) Neighbors(id string, rels []Rel, depth int) []Node {
	if depth <= 0 {
		return []Node{}
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}

	relFilter := map[Rel]bool{}
	for _, r := range rels {
		relFilter[r] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return []Node{}
	}

	discovered := map[string]bool{}
	var order []string
	frontier := []string{id}
	truncated := false

	for level := 0; level < depth && len(frontier) > 0 && !truncated; level++ {
		var next []string
		for _, current := range frontier {
			for _, edgeID := range s.incident[current] {
				edge := s.edges[edgeID]
				if len(relFilter) > 0 && !relFilter[edge.Rel] {
					continue
				}
				neighbor := edge.Target
				if neighbor == current {
					neighbor = edge.Source
				}
				if neighbor == id || discovered[neighbor] {
					continue
				}
				if _, ok := s.nodes[neighbor]; !ok {
					continue
				}
				discovered[neighbor] = true
				order = append(order, neighbor)
				next = append(next, neighbor)
				if len(discovered) >= MaxNeighbors {
					truncated = true
					break
				}
			}
			if truncated {
				break
			}
		}
		frontier = next
	}

	if truncated {
		s.emitter.Emit(emit.Event{
			Msg: "traversal_truncated",
			Meta: map[string]interface{}{
				"seed":  id,
				"limit": MaxNeighbors,
			},
		})
	}

	result := make([]Node, 0, len(order))
	for _, nodeID := range order {
		result = append(result, s.nodes[nodeID])
	}
	return result
}
