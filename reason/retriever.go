package reason

import (
	"context"
	"sort"

	"github.com/dshills/graphplan-go/graph"
	"github.com/dshills/graphplan-go/plan"
)

// Chunk is one retrieved piece of context.
type Chunk struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Page   int     `json:"page,omitempty"`
	Score  float64 `json:"score"`
}

// Retriever supplies context for a query. The reasoner accepts any
// implementation; GraphRetriever is the graph-backed default.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Chunk, error)
}

// defaultRetrieveLimit caps chunks returned per query.
const defaultRetrieveLimit = 5

// GraphRetriever retrieves chunks by lexical overlap against graph nodes.
type GraphRetriever struct {
	store *graph.Store
	limit int
}

// NewGraphRetriever builds a retriever over the given store.
func NewGraphRetriever(store *graph.Store) *GraphRetriever {
	return &GraphRetriever{store: store, limit: defaultRetrieveLimit}
}

// Retrieve implements Retriever. Nodes with no overlap are dropped;
// results are ordered score descending with ID as tiebreak.
func (g *GraphRetriever) Retrieve(ctx context.Context, query string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryTokens := plan.Tokenize(query)

	var chunks []Chunk
	for _, n := range g.store.Nodes() {
		score := plan.Jaccard(queryTokens, nodeTokens(n))
		if score <= 0 {
			continue
		}
		text := n.PropString("text")
		if text == "" {
			text = n.PropString("description")
		}
		if text == "" {
			text = n.PropString("name")
		}
		page := 0
		if v, ok := n.Properties["page"].(float64); ok {
			page = int(v)
		}
		chunks = append(chunks, Chunk{
			ID:     n.ID,
			Text:   text,
			Source: sourceOf(n),
			Page:   page,
			Score:  score,
		})
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ID < chunks[j].ID
	})
	if len(chunks) > g.limit {
		chunks = chunks[:g.limit]
	}
	return chunks, nil
}

func sourceOf(n graph.Node) string {
	if s := n.PropString("source"); s != "" {
		return s
	}
	return n.ID
}
