package tool

import (
	"context"
	"sort"

	"github.com/dshills/graphplan-go/graph"
	"github.com/dshills/graphplan-go/plan"
)

const defaultRetrievalLimit = 5

// Retriever answers retrieval tasks from the knowledge graph by lexical
// overlap against node names and descriptions.
type Retriever struct {
	store *graph.Store
}

// NewRetriever creates a graph-backed retriever.
func NewRetriever(store *graph.Store) *Retriever {
	return &Retriever{store: store}
}

// Name implements Tool.
func (r *Retriever) Name() string { return "retriever" }

// Call scores every node against the prompt and returns the top matches.
// Input: "prompt" (required), "limit" (optional, defaults to 5).
func (r *Retriever) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	prompt, err := promptFrom(input)
	if err != nil {
		return nil, err
	}
	limit := defaultRetrievalLimit
	if raw, ok := input["limit"]; ok {
		switch v := raw.(type) {
		case int:
			limit = v
		case float64:
			limit = int(v)
		}
	}
	if limit <= 0 {
		limit = defaultRetrievalLimit
	}

	queryTokens := plan.Tokenize(prompt)
	type hit struct {
		node  graph.Node
		score float64
	}
	var hits []hit
	for _, node := range r.store.Nodes() {
		text := node.PropString("name") + " " + node.PropString("description")
		score := plan.Jaccard(queryTokens, plan.Tokenize(text))
		if score > 0 {
			hits = append(hits, hit{node: node, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].node.ID < hits[j].node.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	chunks := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, map[string]interface{}{
			"id":    h.node.ID,
			"kind":  string(h.node.Kind),
			"text":  h.node.PropString("description"),
			"name":  h.node.PropString("name"),
			"score": h.score,
		})
	}
	return map[string]interface{}{
		"chunks": chunks,
		"count":  len(chunks),
	}, nil
}
