package builder

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dshills/graphplan-go/graph"
)

// rulePattern matches normative sentences ("must", "cannot", "may not",
// "always", "never") that become Rule nodes.
var rulePattern = regexp.MustCompile(`(?i)[^.!?\n]*\b(?:must|cannot|may not|always|never)\b[^.!?\n]*[.!?]`)

// KnowledgeResult summarizes a knowledge-graph build pass.
type KnowledgeResult struct {
	Entities []graph.Node
	Concepts []graph.Node
	Rules    []graph.Node
	Sources  []graph.Node
	Edges    []graph.Edge
}

// BuildKnowledgeGraph consumes enriched chunks carrying explicit
// "entities" and "categories" metadata and upserts Entity, Concept, Rule,
// and SourceDoc nodes plus cites edges back to their source documents.
//
// All ids are deterministic: entity ids hash the entity name, concept ids
// hash the category string, rule ids hash the matched rule text.
func (b *Builder) BuildKnowledgeGraph(chunks []Chunk) (KnowledgeResult, error) {
	var result KnowledgeResult
	seenNode := map[string]bool{}

	sources := collectSources(chunks)
	srcByChunk := map[string][]string{}
	for _, src := range sources {
		node, err := b.store.UpsertNode(src.id, graph.KindSourceDoc, src.props)
		if err != nil {
			return result, fmt.Errorf("upsert source doc: %w", err)
		}
		result.Sources = append(result.Sources, node)
	}
	// Map each chunk to the source docs its own metadata names.
	for _, chunk := range chunks {
		for _, src := range collectSources([]Chunk{chunk}) {
			srcByChunk[chunk.ID] = append(srcByChunk[chunk.ID], src.id)
		}
	}

	cite := func(nodeID, chunkID string) error {
		for _, srcID := range srcByChunk[chunkID] {
			edge, err := b.store.UpsertEdge(nodeID, graph.RelCites, srcID, map[string]interface{}{
				"chunk_id": chunkID,
			})
			if err != nil {
				return err
			}
			result.Edges = append(result.Edges, edge)
		}
		return nil
	}

	for _, chunk := range chunks {
		for _, name := range metaStrings(chunk.Metadata, "entities") {
			id := graph.ContentID("entity", strings.ToLower(name))
			node, err := b.store.UpsertNode(id, graph.KindEntity, map[string]interface{}{
				"name":     name,
				"chunk_id": chunk.ID,
			})
			if err != nil {
				return result, fmt.Errorf("upsert entity: %w", err)
			}
			if !seenNode[id] {
				seenNode[id] = true
				result.Entities = append(result.Entities, node)
			}
			if err := cite(id, chunk.ID); err != nil {
				return result, fmt.Errorf("entity cites: %w", err)
			}
		}

		for _, category := range metaStrings(chunk.Metadata, "categories") {
			id := graph.ContentID("concept", category)
			node, err := b.store.UpsertNode(id, graph.KindConcept, map[string]interface{}{
				"name":     category,
				"category": category,
			})
			if err != nil {
				return result, fmt.Errorf("upsert concept: %w", err)
			}
			if !seenNode[id] {
				seenNode[id] = true
				result.Concepts = append(result.Concepts, node)
			}
			if err := cite(id, chunk.ID); err != nil {
				return result, fmt.Errorf("concept cites: %w", err)
			}
		}

		for _, ruleText := range rulePattern.FindAllString(chunk.Content, -1) {
			text := strings.TrimSpace(ruleText)
			id := graph.ContentID("rule", text)
			node, err := b.store.UpsertNode(id, graph.KindRule, map[string]interface{}{
				"name":        stepName(text),
				"description": text,
				"chunk_id":    chunk.ID,
			})
			if err != nil {
				return result, fmt.Errorf("upsert rule: %w", err)
			}
			if !seenNode[id] {
				seenNode[id] = true
				result.Rules = append(result.Rules, node)
			}
			if err := cite(id, chunk.ID); err != nil {
				return result, fmt.Errorf("rule cites: %w", err)
			}
		}
	}

	return result, nil
}

// metaStrings reads a metadata list value that may be []string or
// []interface{} (JSON decoding produces the latter).
func metaStrings(meta map[string]interface{}, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
