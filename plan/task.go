// Package plan builds and validates typed task DAGs from natural-language
// goals, grounded in the knowledge graph's procedures and steps.
package plan

import "time"

// TaskType classifies a task for tool/model dispatch. The set is closed.
type TaskType string

// Canonical task types.
const (
	TaskRetrieval    TaskType = "retrieval"
	TaskReasoning    TaskType = "reasoning"
	TaskComputation  TaskType = "computation"
	TaskVerification TaskType = "verification"
	TaskSynthesis    TaskType = "synthesis"
)

var validTaskTypes = map[TaskType]bool{
	TaskRetrieval:    true,
	TaskReasoning:    true,
	TaskComputation:  true,
	TaskVerification: true,
	TaskSynthesis:    true,
}

// ValidTaskType reports whether t is one of the five canonical types.
func ValidTaskType(t TaskType) bool {
	return validTaskTypes[t]
}

// Task is one node of a workflow plan.
type Task struct {
	ID               string                 `json:"id"`
	Type             TaskType               `json:"type"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Dependencies     []string               `json:"dependencies"`
	Tool             string                 `json:"tool"`
	Model            string                 `json:"model"`
	Prompt           string                 `json:"prompt"`
	Parameters       map[string]interface{} `json:"parameters"`
	EstimatedTokens  int                    `json:"estimated_tokens"`
	EstimatedTimeS   float64                `json:"estimated_time_s"`
	RequiresApproval bool                   `json:"requires_approval"`
	Checkpoint       bool                   `json:"checkpoint"`
}

// Edge is a dependency arrow (src must succeed before dst starts).
type Edge struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// Plan is an ephemeral task DAG with budget annotations. Plans are values:
// they are never persisted, only executed or re-derived.
type Plan struct {
	ID                   string    `json:"id"`
	Goal                 string    `json:"goal"`
	ProcedureID          string    `json:"procedure_id,omitempty"`
	Tasks                []Task    `json:"tasks"`
	Edges                []Edge    `json:"edges"`
	TotalEstimatedTokens int       `json:"total_estimated_tokens"`
	TotalEstimatedTimeS  float64   `json:"total_estimated_time_s"`
	Checkpoints          []string  `json:"checkpoints"`
	CreatedAt            time.Time `json:"created_at"`
}

// TaskByID returns a pointer to the task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// DependentsCount returns, per task id, how many tasks depend on it
// directly. Used as part of the importance score during budget downgrade.
func (p *Plan) DependentsCount() map[string]int {
	counts := make(map[string]int, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			counts[dep]++
		}
	}
	for _, e := range p.Edges {
		// Edges mirror the dependency relation; avoid double counting
		// pairs already expressed via Dependencies.
		mirrored := false
		if t := p.TaskByID(e.Dst); t != nil {
			for _, dep := range t.Dependencies {
				if dep == e.Src {
					mirrored = true
					break
				}
			}
		}
		if !mirrored {
			counts[e.Src]++
		}
	}
	return counts
}

// recomputeTotals refreshes the plan's aggregate estimates from its tasks.
func (p *Plan) recomputeTotals() {
	p.TotalEstimatedTokens = 0
	p.TotalEstimatedTimeS = 0
	for _, t := range p.Tasks {
		p.TotalEstimatedTokens += t.EstimatedTokens
		p.TotalEstimatedTimeS += t.EstimatedTimeS
	}
}
