package budget

import (
	"math"
	"sort"

	"github.com/dshills/graphplan-go/plan"
)

// SelectionPriority weights the model ranking.
type SelectionPriority string

// Supported priorities. Balanced is the default.
const (
	PrioritySpeed    SelectionPriority = "speed"
	PriorityCost     SelectionPriority = "cost"
	PriorityQuality  SelectionPriority = "quality"
	PriorityBalanced SelectionPriority = "balanced"
)

// safeDefaultModel is returned when no catalog entry covers the task type
// and no reasoning-capable fallback exists either.
const safeDefaultModel = "claude-3-5-sonnet"

// Selector ranks catalog models for a task by capability fit and the
// caller's priority.
type Selector struct {
	manager *Manager
}

// NewSelector creates a selector over the manager's live catalog.
func NewSelector(manager *Manager) *Selector {
	return &Selector{manager: manager}
}

// Select returns the best model name for the task type, priority, and
// estimated token count. Candidates are first filtered by capability; if
// none carry the task-type capability, reasoning-capable models stand in.
// When the winner's context window cannot hold the estimate with headroom,
// the cheapest model with a large enough window is chosen instead.
func (s *Selector) Select(taskType plan.TaskType, priority SelectionPriority, estTokens int) string {
	candidates := s.capableModels(string(taskType))
	if len(candidates) == 0 {
		candidates = s.capableModels(CapReasoning)
	}
	if len(candidates) == 0 {
		return safeDefaultModel
	}

	winner := s.rank(candidates, priority)

	if estTokens > 0 && float64(estTokens) > 0.9*float64(winner.ContextWindow) {
		if fit, ok := cheapestFitting(candidates, estTokens); ok {
			return fit.Name
		}
	}
	return winner.Name
}

func (s *Selector) capableModels(capability string) []Model {
	var out []Model
	for _, model := range s.manager.Models() {
		if model.HasCapability(capability) {
			out = append(out, model)
		}
	}
	return out
}

// rank scores candidates by the priority and returns the highest scorer.
// Ties break by name for determinism.
func (s *Selector) rank(candidates []Model, priority SelectionPriority) Model {
	type scored struct {
		model Model
		score float64
	}
	scores := make([]scored, 0, len(candidates))
	for _, model := range candidates {
		scores = append(scores, scored{model: model, score: s.score(model, candidates, priority)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].model.Name < scores[j].model.Name
	})
	return scores[0].model
}

func (s *Selector) score(model Model, candidates []Model, priority SelectionPriority) float64 {
	speed := invert(model.LatencyMS)
	cost := invert(model.CostPer1K)
	quality := model.CostPer1K

	switch priority {
	case PrioritySpeed:
		return speed
	case PriorityCost:
		return cost
	case PriorityQuality:
		return quality
	default:
		return (normalize(speed, candidates, func(m Model) float64 { return invert(m.LatencyMS) }) +
			normalize(cost, candidates, func(m Model) float64 { return invert(m.CostPer1K) }) +
			normalize(quality, candidates, func(m Model) float64 { return m.CostPer1K })) / 3
	}
}

// invert maps lower-is-better metrics into higher-is-better scores. A zero
// metric (free or instant) is the best possible score.
func invert(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return 1 / v
}

// normalize maps a factor onto [0,1] against the candidate pool maximum.
// Infinite factors (from zero-cost models) pin to 1.
func normalize(value float64, candidates []Model, factor func(Model) float64) float64 {
	if math.IsInf(value, 1) {
		return 1
	}
	max := 0.0
	for _, m := range candidates {
		f := factor(m)
		if !math.IsInf(f, 1) && f > max {
			max = f
		}
	}
	if max == 0 {
		return 0
	}
	return value / max
}

// cheapestFitting returns the lowest-cost candidate whose context window
// exceeds the estimate with ten percent headroom.
func cheapestFitting(candidates []Model, estTokens int) (Model, bool) {
	var best Model
	found := false
	for _, model := range candidates {
		if float64(model.ContextWindow) > 1.1*float64(estTokens) {
			if !found || model.CostPer1K < best.CostPer1K ||
				(model.CostPer1K == best.CostPer1K && model.Name < best.Name) {
				best = model
				found = true
			}
		}
	}
	return best, found
}
