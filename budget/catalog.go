// Package budget provides the model catalog, cost/latency estimation,
// per-role resource envelopes, compliance checks, model selection, and
// plan downgrade optimization.
package budget

import "sort"

// Capability tags form a closed set; model entries may only carry these.
const (
	CapReasoning        = "reasoning"
	CapRetrieval        = "retrieval"
	CapVerification     = "verification"
	CapSynthesis        = "synthesis"
	CapComputation      = "computation"
	CapComplexReasoning = "complex_reasoning"
	CapComplexAnalysis  = "complex_analysis"
	CapFormatting       = "formatting"
)

// Model describes one catalog entry. Costs are USD per 1K tokens.
type Model struct {
	Name          string   `json:"name" yaml:"name"`
	Provider      string   `json:"provider" yaml:"provider"`
	CostPer1K     float64  `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	LatencyMS     float64  `json:"latency_ms" yaml:"latency_ms"`
	ContextWindow int      `json:"context_window" yaml:"context_window"`
	Capabilities  []string `json:"capabilities" yaml:"capabilities"`
}

// HasCapability reports whether the model carries the given tag.
func (m Model) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// defaultCatalog is the static model table. Prices follow public provider
// pricing; latency figures are rough p50 observations.
func defaultCatalog() map[string]Model {
	models := []Model{
		{
			Name: "claude-3-haiku", Provider: "anthropic",
			CostPer1K: 0.00025, LatencyMS: 800, ContextWindow: 200000,
			Capabilities: []string{CapRetrieval, CapVerification, CapFormatting, CapReasoning},
		},
		{
			Name: "claude-3-5-sonnet", Provider: "anthropic",
			CostPer1K: 0.003, LatencyMS: 1500, ContextWindow: 200000,
			Capabilities: []string{CapReasoning, CapSynthesis, CapVerification, CapComplexReasoning, CapComplexAnalysis},
		},
		{
			Name: "claude-3-opus", Provider: "anthropic",
			CostPer1K: 0.015, LatencyMS: 2500, ContextWindow: 200000,
			Capabilities: []string{CapReasoning, CapSynthesis, CapComplexReasoning, CapComplexAnalysis},
		},
		{
			Name: "gpt-4", Provider: "openai",
			CostPer1K: 0.03, LatencyMS: 3000, ContextWindow: 8192,
			Capabilities: []string{CapReasoning, CapSynthesis, CapComplexReasoning},
		},
		{
			Name: "gpt-4o-mini", Provider: "openai",
			CostPer1K: 0.00015, LatencyMS: 700, ContextWindow: 128000,
			Capabilities: []string{CapRetrieval, CapReasoning, CapFormatting, CapSynthesis},
		},
		{
			Name: "gemini-1.5-flash", Provider: "google",
			CostPer1K: 0.000075, LatencyMS: 600, ContextWindow: 1000000,
			Capabilities: []string{CapRetrieval, CapFormatting, CapSynthesis},
		},
		{
			Name: "local", Provider: "local",
			CostPer1K: 0, LatencyMS: 50, ContextWindow: 4096,
			Capabilities: []string{CapComputation},
		},
	}
	catalog := make(map[string]Model, len(models))
	for _, m := range models {
		catalog[m.Name] = m
	}
	return catalog
}

// sortedModels returns catalog entries ordered by name for stable output.
func sortedModels(catalog map[string]Model) []Model {
	out := make([]Model, 0, len(catalog))
	for _, m := range catalog {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
