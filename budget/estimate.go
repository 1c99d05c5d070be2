package budget

import "github.com/dshills/graphplan-go/plan"

// Unknown models are costed pessimistically so a typo never sneaks a plan
// under the envelope.
const (
	unknownModelCostPer1K = 5.0
	unknownModelTimeS     = 2.0
)

// TaskEstimate is the per-task cost breakdown inside an Estimate.
type TaskEstimate struct {
	TaskID  string  `json:"task_id"`
	Model   string  `json:"model"`
	Tokens  int     `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
	TimeS   float64 `json:"time_s"`
}

// Estimate aggregates predicted resource usage for a whole plan.
type Estimate struct {
	TotalTokens  int            `json:"total_tokens"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	TotalTimeS   float64        `json:"total_time_s"`
	Tasks        []TaskEstimate `json:"tasks"`
}

// Violation names one exceeded envelope dimension.
type Violation struct {
	Dimension string  `json:"dimension"`
	Limit     float64 `json:"limit"`
	Estimated float64 `json:"estimated"`
}

// EstimatePlan prices every task against the current catalog. Tasks whose
// model is not in the catalog get the pessimistic unknown-model rates.
func (m *Manager) EstimatePlan(p *plan.Plan) Estimate {
	est := Estimate{Tasks: make([]TaskEstimate, 0, len(p.Tasks))}
	for _, task := range p.Tasks {
		te := TaskEstimate{
			TaskID: task.ID,
			Model:  task.Model,
			Tokens: task.EstimatedTokens,
		}
		if model, ok := m.ModelByName(task.Model); ok {
			te.CostUSD = float64(task.EstimatedTokens) / 1000 * model.CostPer1K
			te.TimeS = model.LatencyMS / 1000
		} else {
			te.CostUSD = float64(task.EstimatedTokens) / 1000 * unknownModelCostPer1K
			te.TimeS = unknownModelTimeS
		}
		est.TotalTokens += te.Tokens
		est.TotalCostUSD += te.CostUSD
		est.TotalTimeS += te.TimeS
		est.Tasks = append(est.Tasks, te)
	}
	return est
}

// CheckCompliance compares an estimate and a requested parallelism level
// against the live envelope for role. An empty violation slice means the
// plan fits.
func (m *Manager) CheckCompliance(est Estimate, role string, parallel int) []Violation {
	envelope := m.EnvelopeFor(role)
	var violations []Violation
	if est.TotalTokens > envelope.MaxTotalTokens {
		violations = append(violations, Violation{
			Dimension: "tokens",
			Limit:     float64(envelope.MaxTotalTokens),
			Estimated: float64(est.TotalTokens),
		})
	}
	if est.TotalCostUSD > envelope.MaxTotalCostUSD {
		violations = append(violations, Violation{
			Dimension: "cost_usd",
			Limit:     envelope.MaxTotalCostUSD,
			Estimated: est.TotalCostUSD,
		})
	}
	if est.TotalTimeS > envelope.MaxTimeS {
		violations = append(violations, Violation{
			Dimension: "time_s",
			Limit:     envelope.MaxTimeS,
			Estimated: est.TotalTimeS,
		})
	}
	if parallel > envelope.MaxParallelTasks {
		violations = append(violations, Violation{
			Dimension: "parallel_tasks",
			Limit:     float64(envelope.MaxParallelTasks),
			Estimated: float64(parallel),
		})
	}
	return violations
}
