// Package reason walks the knowledge graph to answer a goal: seed on the
// best-matching node, hop to promising neighbors, retrieve supporting
// context per hop, and stop when confidence drops. The trace records every
// hop so the walk can be inspected or replayed.
package reason

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dshills/graphplan-go/emit"
	"github.com/dshills/graphplan-go/graph"
	"github.com/dshills/graphplan-go/plan"
)

// Walk limits.
const (
	// MaxHops caps a single reasoning walk regardless of the caller's ask.
	MaxHops = 5
	// MinConfidence stops the walk once a hop scores below it.
	MinConfidence = 0.3
	// ReGroundInterval is how many hops pass between context prunes.
	ReGroundInterval = 2
)

const (
	seedThreshold   = 0.1
	focusThreshold  = 0.1
	confidenceDecay = 0.9
	contextKeep     = 5
	answerSnippets  = 3
	snippetLen      = 200
)

// typeWeight biases neighbor selection toward actionable node kinds.
var typeWeight = map[graph.Kind]float64{
	graph.KindProcedure: 0.9,
	graph.KindStep:      0.8,
	graph.KindRule:      0.7,
	graph.KindDecision:  0.8,
	graph.KindConcept:   0.6,
	graph.KindEntity:    0.5,
	graph.KindSourceDoc: 0.4,
	graph.KindArtifact:  0.3,
}

// NodeRef is the trace's view of a graph node.
type NodeRef struct {
	ID   string     `json:"id"`
	Kind graph.Kind `json:"kind,omitempty"`
	Name string     `json:"name,omitempty"`
}

// Hop records one iteration of the walk.
type Hop struct {
	HopNumber        int      `json:"hop_number"`
	CurrentNode      NodeRef  `json:"current_node"`
	Neighbors        []NodeRef `json:"neighbors,omitempty"`
	SelectedFocus    *NodeRef `json:"selected_focus,omitempty"`
	RetrievedContext []Chunk  `json:"retrieved_context,omitempty"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
}

// SourceRef identifies one deduplicated provenance entry.
type SourceRef struct {
	Source string `json:"source"`
	Page   int    `json:"page,omitempty"`
}

// ReasoningTrace is the complete record of one walk.
type ReasoningTrace struct {
	Goal            string      `json:"goal"`
	SeedNode        NodeRef     `json:"seed_node"`
	Hops            []Hop       `json:"hops"`
	FinalContext    []Chunk     `json:"final_context,omitempty"`
	Answer          string      `json:"answer"`
	TotalConfidence float64     `json:"total_confidence"`
	Sources         []SourceRef `json:"sources,omitempty"`
	DurationS       float64     `json:"duration_s"`
}

// Reasoner performs graph-guided multi-hop reasoning. It never calls an
// LLM itself; answer text is a structured summary of retrieved context.
type Reasoner struct {
	store     *graph.Store
	retriever Retriever
	emitter   emit.Emitter
}

// NewReasoner builds a reasoner over the given graph. A nil retriever
// defaults to graph-backed retrieval; a nil emitter discards events.
func NewReasoner(store *graph.Store, retriever Retriever, emitter emit.Emitter) *Reasoner {
	if retriever == nil {
		retriever = NewGraphRetriever(store)
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Reasoner{store: store, retriever: retriever, emitter: emitter}
}

// Reason walks the graph for up to maxHops hops and returns the trace.
// maxHops outside [1, MaxHops] is clamped to MaxHops.
func (r *Reasoner) Reason(ctx context.Context, goal string, maxHops int) (*ReasoningTrace, error) {
	start := time.Now()
	if maxHops <= 0 || maxHops > MaxHops {
		maxHops = MaxHops
	}
	goalTokens := plan.Tokenize(goal)

	trace := &ReasoningTrace{Goal: goal}

	seed, score := r.seed(goalTokens)
	if score <= seedThreshold {
		// No node matches the goal; answer from retrieval alone.
		trace.SeedNode = NodeRef{ID: "fallback"}
		chunks, err := r.retriever.Retrieve(ctx, goal)
		if err != nil {
			return nil, fmt.Errorf("fallback retrieval: %w", err)
		}
		trace.FinalContext = chunks
		r.finish(trace, start)
		return trace, nil
	}
	trace.SeedNode = nodeRef(seed)
	r.emitter.Emit(emit.Event{Msg: "reason_seeded", Meta: map[string]interface{}{
		"node": seed.ID, "score": score,
	}})

	var accumulated []Chunk
	current := seed
	for hopNum := 1; hopNum <= maxHops; hopNum++ {
		hop := Hop{HopNumber: hopNum, CurrentNode: nodeRef(current)}

		neighbors := r.store.Neighbors(current.ID, nil, 1)
		for _, n := range neighbors {
			hop.Neighbors = append(hop.Neighbors, nodeRef(n))
		}

		focus, focusScore := pickFocus(goalTokens, neighbors)
		if focus != nil {
			ref := nodeRef(*focus)
			hop.SelectedFocus = &ref

			query := focusQuery(goal, *focus)
			chunks, err := r.retriever.Retrieve(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("hop %d retrieval: %w", hopNum, err)
			}
			hop.RetrievedContext = chunks
			accumulated = append(accumulated, chunks...)
		}

		hop.Confidence = hopConfidence(len(neighbors), focus != nil, hop.RetrievedContext)
		hop.Reasoning = describeHop(current, focus, focusScore, len(neighbors), len(hop.RetrievedContext))
		trace.Hops = append(trace.Hops, hop)

		r.emitter.Emit(emit.Event{Seq: hopNum, Msg: "hop_complete", Meta: map[string]interface{}{
			"node":       current.ID,
			"confidence": hop.Confidence,
			"retrieved":  len(hop.RetrievedContext),
		}})

		if hopNum%ReGroundInterval == 0 {
			accumulated = pruneContext(goalTokens, accumulated, contextKeep)
			r.emitter.Emit(emit.Event{Seq: hopNum, Msg: "context_pruned", Meta: map[string]interface{}{
				"kept": len(accumulated),
			}})
		}

		if focus == nil || hop.Confidence < MinConfidence {
			break
		}
		node, ok := r.store.GetNode(focus.ID)
		if !ok {
			break
		}
		current = node
	}

	trace.FinalContext = accumulated
	r.finish(trace, start)
	return trace, nil
}

// seed returns the node best matching the goal and its Jaccard score.
func (r *Reasoner) seed(goalTokens map[string]bool) (graph.Node, float64) {
	var best graph.Node
	bestScore := -1.0
	for _, n := range r.store.Nodes() {
		s := plan.Jaccard(goalTokens, nodeTokens(n))
		if s > bestScore || (s == bestScore && n.ID < best.ID) {
			best, bestScore = n, s
		}
	}
	return best, bestScore
}

// pickFocus scores neighbors by blended text and type relevance and
// returns the winner if it clears the threshold.
func pickFocus(goalTokens map[string]bool, neighbors []graph.Node) (*graph.Node, float64) {
	var best *graph.Node
	bestScore := focusThreshold
	for i := range neighbors {
		n := neighbors[i]
		s := 0.7*plan.Jaccard(goalTokens, nodeTokens(n)) + 0.3*typeWeight[n.Kind]
		if s > bestScore || (best != nil && s == bestScore && n.ID < best.ID) {
			best, bestScore = &neighbors[i], s
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestScore
}

// focusQuery builds the retrieval query for a focus node. Actionable
// kinds ask for rules and steps; descriptive kinds ask for definitions.
func focusQuery(goal string, focus graph.Node) string {
	suffix := "definition examples mechanics"
	switch focus.Kind {
	case graph.KindProcedure, graph.KindStep, graph.KindRule:
		suffix = "rules steps requirements"
	}
	name := focus.PropString("name")
	if name == "" {
		name = focus.ID
	}
	return goal + " " + name + " " + suffix
}

// hopConfidence scores one hop from its structural signals, averaged with
// the mean retrieval score when chunks carry one. Capped at 1.0.
func hopConfidence(neighborCount int, hasFocus bool, retrieved []Chunk) float64 {
	c := 0.5
	c += math.Min(float64(neighborCount)/10, 0.3)
	if hasFocus {
		c += 0.2
	}
	c += math.Min(float64(len(retrieved))/5, 0.2)

	var scoreSum float64
	scored := 0
	for _, ch := range retrieved {
		if ch.Score > 0 {
			scoreSum += ch.Score
			scored++
		}
	}
	if scored > 0 {
		c = (c + scoreSum/float64(scored)) / 2
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func describeHop(current graph.Node, focus *graph.Node, focusScore float64, neighborCount, retrieved int) string {
	if focus == nil {
		return fmt.Sprintf("at %s: %d neighbors, none relevant enough to follow", current.ID, neighborCount)
	}
	return fmt.Sprintf("at %s: followed %s (score %.2f) of %d neighbors, retrieved %d chunks",
		current.ID, focus.ID, focusScore, neighborCount, retrieved)
}

// pruneContext keeps the chunks most relevant to the original goal.
func pruneContext(goalTokens map[string]bool, chunks []Chunk, keep int) []Chunk {
	if len(chunks) <= keep {
		return chunks
	}
	type scored struct {
		chunk Chunk
		score float64
	}
	ranked := make([]scored, 0, len(chunks))
	for _, ch := range chunks {
		ranked = append(ranked, scored{ch, plan.Jaccard(goalTokens, plan.Tokenize(ch.Text))})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	out := make([]Chunk, 0, keep)
	for _, s := range ranked[:keep] {
		out = append(out, s.chunk)
	}
	return out
}

// finish computes confidence, sources, and the answer summary.
func (r *Reasoner) finish(trace *ReasoningTrace, start time.Time) {
	trace.TotalConfidence = totalConfidence(trace.Hops)
	trace.Sources = dedupeSources(trace.FinalContext)
	trace.Answer = synthesize(trace.Goal, trace.FinalContext, len(trace.Hops), len(trace.Sources))
	trace.DurationS = time.Since(start).Seconds()
	r.emitter.Emit(emit.Event{Msg: "reason_finished", Meta: map[string]interface{}{
		"hops":       len(trace.Hops),
		"confidence": trace.TotalConfidence,
	}})
}

// totalConfidence is the decay-weighted mean of hop confidences: earlier
// hops count more because later hops build on their choices.
func totalConfidence(hops []Hop) float64 {
	if len(hops) == 0 {
		return 0
	}
	var sum, weights float64
	for i, h := range hops {
		w := math.Pow(confidenceDecay, float64(i))
		sum += w * h.Confidence
		weights += w
	}
	return sum / weights
}

func dedupeSources(chunks []Chunk) []SourceRef {
	seen := make(map[SourceRef]bool)
	var out []SourceRef
	for _, ch := range chunks {
		if ch.Source == "" {
			continue
		}
		ref := SourceRef{Source: ch.Source, Page: ch.Page}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

// synthesize builds the structured answer summary. The natural-language
// rendering is the caller's concern; this stays deterministic.
func synthesize(goal string, chunks []Chunk, hops, sources int) string {
	if len(chunks) == 0 {
		return fmt.Sprintf("No supporting context found for: %s", goal)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Context for %q:\n", goal)
	for i, ch := range chunks {
		if i >= answerSnippets {
			break
		}
		text := clipSnippet(ch.Text, snippetLen)
		fmt.Fprintf(&b, "%d. %s\n", i+1, text)
	}
	fmt.Fprintf(&b, "(assembled from %d graph hops over %d sources)", hops, sources)
	return b.String()
}

// clipSnippet cuts s to at most max bytes without splitting a rune.
func clipSnippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func nodeRef(n graph.Node) NodeRef {
	name := n.PropString("name")
	return NodeRef{ID: n.ID, Kind: n.Kind, Name: name}
}

func nodeTokens(n graph.Node) map[string]bool {
	return plan.Tokenize(n.PropString("name") + " " + n.PropString("description"))
}
