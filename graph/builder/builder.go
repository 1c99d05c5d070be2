// Package builder extracts procedures, steps, rules, concepts, and source
// documents from text chunks and materializes them as graph nodes with
// part_of/prereq/cites provenance edges.
package builder

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dshills/graphplan-go/graph"
)

// Chunk is a unit of ingested text with source metadata. Recognized
// metadata keys: "page", "section", "entities", "categories".
type Chunk struct {
	ID       string
	Content  string
	Metadata map[string]interface{}
}

// Result is what a build pass produced and upserted into the store.
type Result struct {
	Procedure graph.Node
	Steps     []graph.Node
	Edges     []graph.Edge
	Sources   []graph.Node
}

// Builder writes extracted knowledge into a graph store.
type Builder struct {
	store *graph.Store
}

// New creates a Builder backed by the given store.
func New(store *graph.Store) *Builder {
	return &Builder{store: store}
}

// Ordered procedure-name patterns. The first pattern with a match across
// the concatenated chunk contents names the procedure; crafting verbs
// outrank the generic "how to"/"steps to" phrasings because they name the
// produced thing rather than the instruction framing.
var procedurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:craft|create|make|build|construct)(?:ing)?\s+(?:a |an |the )?([a-z][a-z0-9' ]{2,60})`),
	regexp.MustCompile(`(?i)\bhow to ([a-z][a-z0-9' ]{2,60})`),
	regexp.MustCompile(`(?i)\bsteps to ([a-z][a-z0-9' ]{2,60})`),
	regexp.MustCompile(`(?i)\bprocess of ([a-z][a-z0-9' ]{2,60})`),
	regexp.MustCompile(`(?i)\b([a-z][a-z0-9' ]{2,40}?)\s+(?:procedure|process|creation|crafting)\b`),
}

// Ordered step patterns, tried per chunk; the first pattern with matches
// wins for that chunk.
var (
	numberedStepPattern = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s+(.{3,200})`)
	adverbStepPattern   = regexp.MustCompile(`(?i)\b(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth|finally)[,:]?\s+([^.!?\n]{3,200})`)
	labeledStepPattern  = regexp.MustCompile(`(?i)\bstep\s+(\d+)\s*[:.]\s*(.{3,200})`)
)

var adverbNumbers = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

// BuildProcedure extracts a procedure and its ordered steps from chunks
// and upserts nodes plus part_of/prereq/cites edges.
//
// Determinism: the procedure id is proc:<sha256(lowercased name)[:16]>,
// step ids hash their raw text, edge ids hash their triples. Repeated
// builds over identical chunks produce identical graphs.
func (b *Builder) BuildProcedure(chunks []Chunk) (Result, error) {
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("build procedure: no chunks")
	}

	name, subtype := detectProcedure(chunks)
	procID := graph.ContentID("proc", name)

	proc, err := b.store.UpsertNode(procID, graph.KindProcedure, map[string]interface{}{
		"name":        name,
		"subtype":     subtype,
		"description": "Procedure extracted from " + strconv.Itoa(len(chunks)) + " chunks",
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert procedure: %w", err)
	}

	steps := extractSteps(chunks)
	sources := collectSources(chunks)

	result := Result{Procedure: proc}

	srcNodes := make([]graph.Node, 0, len(sources))
	for _, src := range sources {
		node, err := b.store.UpsertNode(src.id, graph.KindSourceDoc, src.props)
		if err != nil {
			return Result{}, fmt.Errorf("upsert source doc: %w", err)
		}
		srcNodes = append(srcNodes, node)
	}
	result.Sources = srcNodes

	ordered := make([]extractedStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].number < ordered[j].number })

	stepNodes := make([]graph.Node, 0, len(ordered))
	for _, step := range ordered {
		stepID := graph.ContentID("step", step.text)
		node, err := b.store.UpsertNode(stepID, graph.KindStep, map[string]interface{}{
			"name":        stepName(step.text),
			"description": step.text,
			"step_number": step.number,
			"chunk_id":    step.chunkID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("upsert step: %w", err)
		}
		stepNodes = append(stepNodes, node)

		edge, err := b.store.UpsertEdge(procID, graph.RelPartOf, stepID, map[string]interface{}{
			"step_number": step.number,
		})
		if err != nil {
			return Result{}, fmt.Errorf("part_of edge: %w", err)
		}
		result.Edges = append(result.Edges, edge)

		// Every step cites every discovered source doc. Over-connected on
		// purpose: tests pin this shape.
		for _, src := range srcNodes {
			cite, err := b.store.UpsertEdge(stepID, graph.RelCites, src.ID, map[string]interface{}{
				"chunk_id":   step.chunkID,
				"confidence": 0.8,
			})
			if err != nil {
				return Result{}, fmt.Errorf("cites edge: %w", err)
			}
			result.Edges = append(result.Edges, cite)
		}
	}
	result.Steps = stepNodes

	// Later steps require earlier ones, in step-number order.
	for i := 1; i < len(stepNodes); i++ {
		edge, err := b.store.UpsertEdge(stepNodes[i].ID, graph.RelPrereq, stepNodes[i-1].ID, map[string]interface{}{
			"sequence": i,
		})
		if err != nil {
			return Result{}, fmt.Errorf("prereq edge: %w", err)
		}
		result.Edges = append(result.Edges, edge)
	}

	return result, nil
}

// detectProcedure names and classifies the procedure from concatenated
// chunk content. Falls back to the opening words of the first chunk when
// no pattern matches.
func detectProcedure(chunks []Chunk) (name, subtype string) {
	var all strings.Builder
	for _, c := range chunks {
		all.WriteString(c.Content)
		all.WriteString("\n")
	}
	text := all.String()

	for _, pattern := range procedurePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			name = canonicalName(m[1])
			break
		}
	}
	if name == "" {
		words := strings.Fields(chunks[0].Content)
		if len(words) > 8 {
			words = words[:8]
		}
		name = canonicalName(strings.Join(words, " "))
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "potion") || strings.Contains(lower, "alchemical") || strings.Contains(lower, "brew"):
		subtype = "crafting"
	case strings.Contains(lower, "character") || strings.Contains(lower, "build") || strings.Contains(lower, "level"):
		subtype = "character_creation"
	default:
		subtype = "general"
	}
	return name, subtype
}

// canonicalName lowercases and collapses whitespace so the procedure id
// is stable across formatting differences.
func canonicalName(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(raw))), " ")
}

type extractedStep struct {
	number  int
	text    string
	chunkID string
}

// extractSteps applies the ordered step patterns to each chunk. When no
// pattern matches anywhere, it synthesizes up to 5 steps from the first 5
// chunks using a content prefix.
func extractSteps(chunks []Chunk) []extractedStep {
	var steps []extractedStep
	counter := 0

	for _, chunk := range chunks {
		matched := false

		if ms := numberedStepPattern.FindAllStringSubmatch(chunk.Content, -1); len(ms) > 0 {
			matched = true
			for _, m := range ms {
				n, err := strconv.Atoi(m[1])
				if err != nil {
					counter++
					n = counter
				} else if n > counter {
					counter = n
				}
				steps = append(steps, extractedStep{number: n, text: strings.TrimSpace(m[2]), chunkID: chunk.ID})
			}
		}

		if !matched {
			if ms := adverbStepPattern.FindAllStringSubmatch(chunk.Content, -1); len(ms) > 0 {
				matched = true
				for _, m := range ms {
					n, ok := adverbNumbers[strings.ToLower(m[1])]
					if !ok || n <= counter {
						counter++
						n = counter
					} else {
						counter = n
					}
					steps = append(steps, extractedStep{number: n, text: strings.TrimSpace(m[2]), chunkID: chunk.ID})
				}
			}
		}

		if !matched {
			for _, m := range labeledStepPattern.FindAllStringSubmatch(chunk.Content, -1) {
				n, err := strconv.Atoi(m[1])
				if err != nil {
					counter++
					n = counter
				} else if n > counter {
					counter = n
				}
				steps = append(steps, extractedStep{number: n, text: strings.TrimSpace(m[2]), chunkID: chunk.ID})
			}
		}
	}

	if len(steps) == 0 {
		limit := len(chunks)
		if limit > 5 {
			limit = 5
		}
		for i := 0; i < limit; i++ {
			prefix := chunks[i].Content
			if len(prefix) > 120 {
				prefix = prefix[:120]
			}
			prefix = strings.TrimSpace(prefix)
			if prefix == "" {
				continue
			}
			steps = append(steps, extractedStep{number: i + 1, text: prefix, chunkID: chunks[i].ID})
		}
	}
	return steps
}

func stepName(text string) string {
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

type sourceRef struct {
	id    string
	props map[string]interface{}
}

// collectSources produces one SourceDoc per distinct (page) or (section)
// metadata value, deduplicated by canonical source id.
func collectSources(chunks []Chunk) []sourceRef {
	seen := map[string]bool{}
	var sources []sourceRef
	for _, chunk := range chunks {
		if chunk.Metadata == nil {
			continue
		}
		if page, ok := chunk.Metadata["page"]; ok {
			key := fmt.Sprintf("page:%v", page)
			id := graph.ContentID("src", key)
			if !seen[id] {
				seen[id] = true
				sources = append(sources, sourceRef{id: id, props: map[string]interface{}{
					"name": fmt.Sprintf("Page %v", page),
					"page": page,
				}})
			}
		}
		if section, ok := chunk.Metadata["section"]; ok {
			key := fmt.Sprintf("section:%v", section)
			id := graph.ContentID("src", key)
			if !seen[id] {
				seen[id] = true
				sources = append(sources, sourceRef{id: id, props: map[string]interface{}{
					"name":    fmt.Sprintf("Section %v", section),
					"section": section,
				}})
			}
		}
	}
	return sources
}
