package budget

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/dshills/graphplan-go/emit"
	"github.com/dshills/graphplan-go/plan"
)

// DefaultParallel is the executor's default concurrency; enforcement checks
// the lesser of this and the role's ceiling so defaults never violate.
const DefaultParallel = 3

// ApprovalCheckpoint is raised when no downgrade brings a plan inside the
// envelope. The workflow stays pending until a human approves or rejects.
type ApprovalCheckpoint struct {
	ID          string   `json:"id"`
	PlanID      string   `json:"plan_id"`
	Type        string   `json:"type"`
	Reason      string   `json:"reason"`
	Estimate    Estimate `json:"estimate"`
	Status      string   `json:"status"`
	ApprovalURL string   `json:"approval_url"`
}

// Result is the outcome of one enforcement pass.
type Result struct {
	Compliant             bool                `json:"compliant"`
	Violations            []Violation         `json:"violations,omitempty"`
	Estimate              Estimate            `json:"estimate"`
	OptimizationAttempted bool                `json:"optimization_attempted"`
	OptimizedPlan         *plan.Plan          `json:"optimized_plan,omitempty"`
	ApprovalCheckpoint    *ApprovalCheckpoint `json:"approval_checkpoint,omitempty"`
}

// Enforcer gates plans against role envelopes, downgrading models on
// less-important tasks before falling back to human approval.
type Enforcer struct {
	manager *Manager
	emitter emit.Emitter
}

// NewEnforcer creates an enforcer over the manager's live policy.
func NewEnforcer(manager *Manager, emitter emit.Emitter) *Enforcer {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Enforcer{manager: manager, emitter: emitter}
}

// Enforce estimates the plan, checks it against the role envelope, and when
// it does not fit, tries model downgrades on the least important tasks
// first. The input plan is never mutated; a downgraded copy is returned in
// OptimizedPlan. If no downgrade achieves compliance the result carries a
// pending approval checkpoint.
func (e *Enforcer) Enforce(p *plan.Plan, role string) Result {
	envelope := e.manager.EnvelopeFor(role)
	parallel := DefaultParallel
	if envelope.MaxParallelTasks < parallel {
		parallel = envelope.MaxParallelTasks
	}

	est := e.manager.EstimatePlan(p)
	violations := e.manager.CheckCompliance(est, role, parallel)
	if len(violations) == 0 {
		return Result{Compliant: true, Estimate: est}
	}

	e.emitter.Emit(emit.Event{
		Msg: "budget_exceeded",
		Meta: map[string]interface{}{
			"plan_id": p.ID,
			"role":    role,
			"reasons": violationSummary(violations),
		},
	})

	optimized, optEst := e.optimize(p, role, parallel)
	optViolations := e.manager.CheckCompliance(optEst, role, parallel)
	if len(optViolations) == 0 {
		e.emitter.Emit(emit.Event{
			Msg: "budget_optimized",
			Meta: map[string]interface{}{
				"plan_id":  p.ID,
				"cost_usd": optEst.TotalCostUSD,
			},
		})
		return Result{
			Compliant:             true,
			Estimate:              optEst,
			OptimizationAttempted: true,
			OptimizedPlan:         optimized,
		}
	}

	ckpt := &ApprovalCheckpoint{
		ID:          "ckpt:" + uuid.NewString(),
		PlanID:      p.ID,
		Type:        "budget_approval",
		Reason:      violationSummary(optViolations),
		Estimate:    optEst,
		Status:      "pending",
		ApprovalURL: fmt.Sprintf("/approve/%s", p.ID),
	}
	e.emitter.Emit(emit.Event{
		Msg: "approval_required",
		Meta: map[string]interface{}{
			"plan_id":    p.ID,
			"checkpoint": ckpt.ID,
			"reason":     ckpt.Reason,
		},
	})
	return Result{
		Compliant:             false,
		Violations:            optViolations,
		Estimate:              optEst,
		OptimizationAttempted: true,
		OptimizedPlan:         optimized,
		ApprovalCheckpoint:    ckpt,
	}
}

// optimize walks tasks from least to most important and swaps each task's
// model for cheaper capability-compatible alternatives until the plan fits.
// When no single swap achieves compliance the cheapest alternative is kept
// and the walk continues.
func (e *Enforcer) optimize(p *plan.Plan, role string, parallel int) (*plan.Plan, Estimate) {
	out := clonePlan(p)
	order := tasksByImportance(out)

	for _, idx := range order {
		task := &out.Tasks[idx]
		alternatives := e.cheaperAlternatives(task)
		for _, alt := range alternatives {
			task.Model = alt.Name
			est := e.manager.EstimatePlan(out)
			if len(e.manager.CheckCompliance(est, role, parallel)) == 0 {
				return out, est
			}
		}
		// Nothing fit yet; keep the cheapest viable alternative so later
		// swaps compound.
		if len(alternatives) > 0 {
			task.Model = alternatives[0].Name
		}
	}
	return out, e.manager.EstimatePlan(out)
}

// cheaperAlternatives lists catalog models that cover the task's type and
// cost less than its current model, cheapest first so the first compliant
// swap is also the cheapest one.
func (e *Enforcer) cheaperAlternatives(task *plan.Task) []Model {
	currentCost := unknownModelCostPer1K
	if current, ok := e.manager.ModelByName(task.Model); ok {
		currentCost = current.CostPer1K
	}
	var out []Model
	for _, model := range e.manager.Models() {
		if model.Name == task.Model {
			continue
		}
		if !model.HasCapability(string(task.Type)) {
			continue
		}
		if model.CostPer1K < currentCost {
			out = append(out, model)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostPer1K != out[j].CostPer1K {
			return out[i].CostPer1K < out[j].CostPer1K
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// tasksByImportance orders task indices from least to most important.
// Importance is the direct dependents count plus a type weight favoring
// reasoning and synthesis.
func tasksByImportance(p *plan.Plan) []int {
	dependents := p.DependentsCount()
	weight := func(t plan.TaskType) int {
		switch t {
		case plan.TaskReasoning, plan.TaskSynthesis:
			return 3
		case plan.TaskVerification:
			return 2
		default:
			return 1
		}
	}
	order := make([]int, len(p.Tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := p.Tasks[order[a]], p.Tasks[order[b]]
		ia := dependents[ta.ID] + weight(ta.Type)
		ib := dependents[tb.ID] + weight(tb.Type)
		if ia != ib {
			return ia < ib
		}
		return ta.ID < tb.ID
	})
	return order
}

func clonePlan(p *plan.Plan) *plan.Plan {
	out := *p
	out.Tasks = make([]plan.Task, len(p.Tasks))
	copy(out.Tasks, p.Tasks)
	out.Edges = append([]plan.Edge(nil), p.Edges...)
	out.Checkpoints = append([]string(nil), p.Checkpoints...)
	return &out
}

func violationSummary(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("%s %.4g > %.4g", v.Dimension, v.Estimated, v.Limit))
	}
	return strings.Join(parts, "; ")
}
