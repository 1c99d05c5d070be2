package tool

import (
	"context"
	"sort"

	"github.com/dshills/graphplan-go/graph"
	"github.com/dshills/graphplan-go/plan"
)

// relevanceThreshold filters rules with no meaningful lexical overlap.
const relevanceThreshold = 0.05

// RulesChecker answers verification tasks by surfacing the Rule nodes
// relevant to the prompt. It does not judge compliance itself; the rules
// and their sources flow back so a downstream task or human can.
type RulesChecker struct {
	store *graph.Store
}

// NewRulesChecker creates a graph-backed rules checker.
func NewRulesChecker(store *graph.Store) *RulesChecker {
	return &RulesChecker{store: store}
}

// Name implements Tool.
func (r *RulesChecker) Name() string { return "rules_checker" }

// Call returns the rules overlapping the prompt, most relevant first.
func (r *RulesChecker) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	prompt, err := promptFrom(input)
	if err != nil {
		return nil, err
	}

	queryTokens := plan.Tokenize(prompt)
	type scoredRule struct {
		node  graph.Node
		score float64
	}
	var matched []scoredRule
	for _, node := range r.store.Nodes() {
		if node.Kind != graph.KindRule {
			continue
		}
		text := node.PropString("text")
		if text == "" {
			text = node.PropString("description")
		}
		score := plan.Jaccard(queryTokens, plan.Tokenize(text))
		if score >= relevanceThreshold {
			matched = append(matched, scoredRule{node: node, score: score})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		return matched[i].node.ID < matched[j].node.ID
	})

	rules := make([]map[string]interface{}, 0, len(matched))
	for _, m := range matched {
		text := m.node.PropString("text")
		if text == "" {
			text = m.node.PropString("description")
		}
		rules = append(rules, map[string]interface{}{
			"id":        m.node.ID,
			"text":      text,
			"relevance": m.score,
		})
	}
	return map[string]interface{}{
		"rules":       rules,
		"rule_count":  len(rules),
		"rules_found": len(rules) > 0,
	}, nil
}
