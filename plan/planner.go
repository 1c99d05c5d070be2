package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/graphplan-go/emit"
	"github.com/dshills/graphplan-go/graph"
)

// Seed score threshold: procedures scoring at or below this are ignored
// and the planner falls back to the generic chain.
const seedThreshold = 0.1

// typeMapping fixes the tool, model, and base token cost per task type.
type typeMapping struct {
	tool       string
	model      string
	baseTokens int
}

var taskTypeMappings = map[TaskType]typeMapping{
	TaskRetrieval:    {tool: "retriever", model: "claude-3-haiku", baseTokens: 1000},
	TaskReasoning:    {tool: "llm", model: "claude-3-5-sonnet", baseTokens: 2000},
	TaskComputation:  {tool: "calculator", model: "local", baseTokens: 100},
	TaskVerification: {tool: "rules_checker", model: "claude-3-haiku", baseTokens: 500},
	TaskSynthesis:    {tool: "llm", model: "claude-3-5-sonnet", baseTokens: 3000},
}

// Planner turns a goal into a validated task DAG, seeding from the
// knowledge graph's procedures where possible.
type Planner struct {
	store   *graph.Store
	emitter emit.Emitter

	// MaxTokens/MaxTimeS are the planning budget used for checkpoint
	// marking and estimate clamping. Zero values fall back to the
	// plan-wide limits.
	MaxTokens int
	MaxTimeS  float64
}

// NewPlanner creates a planner over the given graph store.
func NewPlanner(store *graph.Store, emitter emit.Emitter) *Planner {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Planner{
		store:     store,
		emitter:   emitter,
		MaxTokens: MaxTokens,
		MaxTimeS:  MaxTimeS,
	}
}

// Plan builds a plan for the goal in five phases: seed procedure, expand
// steps, materialize typed tasks, assign tools/models/prompts, estimate
// and checkpoint.
//
// Planning never fails outright: any internal error degrades to a
// single-task fallback plan so downstream API contracts stay uniform.
func (pl *Planner) Plan(goal string) *Plan {
	p, err := pl.build(goal)
	if err != nil {
		pl.emitter.Emit(emit.Event{
			Msg:  "plan_fallback",
			Meta: map[string]interface{}{"goal": clip(goal, 100), "error": err.Error()},
		})
		return pl.fallbackPlan(goal)
	}
	return p
}

func (pl *Planner) build(goal string) (*Plan, error) {
	if pl.store == nil {
		return nil, fmt.Errorf("planner has no graph store")
	}
	p := &Plan{
		ID:        "plan:" + uuid.NewString(),
		Goal:      goal,
		CreatedAt: time.Now().UTC(),
	}

	// Phase 1: seed procedure.
	proc, found, err := pl.seedProcedure(goal)
	if err != nil {
		return nil, err
	}

	// Phases 2-3: expand steps and materialize tasks.
	if found {
		p.ProcedureID = proc.ID
		steps := pl.expandSteps(proc.ID)
		if len(steps) == 0 {
			pl.genericChain(p, goal)
		} else {
			pl.materializeTasks(p, steps)
		}
	} else {
		pl.genericChain(p, goal)
	}

	// Phase 4: tools, models, prompts.
	for i := range p.Tasks {
		pl.assignTooling(&p.Tasks[i])
	}

	// Phase 5: estimates, approvals, checkpoints, clamping.
	pl.estimateAndCheckpoint(p)

	if err := ValidateErr(p); err != nil {
		return nil, err
	}
	return p, nil
}

// seedProcedure scores every Procedure node by Jaccard similarity of the
// tokenized goal against name+description and keeps the best above the
// threshold.
func (pl *Planner) seedProcedure(goal string) (graph.Node, bool, error) {
	procedures, err := pl.store.Query("MATCH (n:Procedure)", nil)
	if err != nil {
		return graph.Node{}, false, fmt.Errorf("query procedures: %w", err)
	}

	goalTokens := Tokenize(goal)
	var best graph.Node
	bestScore := 0.0
	for _, proc := range procedures {
		text := proc.PropString("name") + " " + proc.PropString("description")
		score := Jaccard(goalTokens, Tokenize(text))
		if score > bestScore {
			bestScore = score
			best = proc
		}
	}
	if bestScore > seedThreshold {
		return best, true, nil
	}
	return graph.Node{}, false, nil
}

// expandSteps walks part_of neighbors of the procedure at depth 1 and
// orders the Step nodes by step_number (missing numbers sort last).
func (pl *Planner) expandSteps(procID string) []graph.Node {
	neighbors := pl.store.Neighbors(procID, []graph.Rel{graph.RelPartOf}, 1)
	var steps []graph.Node
	for _, n := range neighbors {
		if n.Kind == graph.KindStep {
			steps = append(steps, n)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].PropInt("step_number", 999) < steps[j].PropInt("step_number", 999)
	})
	return steps
}

// materializeTasks creates one task per step, classified by keyword, in a
// linear dependency chain following step order.
func (pl *Planner) materializeTasks(p *Plan, steps []graph.Node) {
	for i, step := range steps {
		desc := step.PropString("description")
		if desc == "" {
			desc = step.PropString("name")
		}
		task := Task{
			ID:          "task:" + step.ID,
			Type:        ClassifyTask(desc),
			Name:        step.PropString("name"),
			Description: desc,
		}
		if i > 0 {
			prev := p.Tasks[i-1].ID
			task.Dependencies = []string{prev}
			p.Edges = append(p.Edges, Edge{Src: prev, Dst: task.ID})
		}
		p.Tasks = append(p.Tasks, task)
	}
}

// genericChain synthesizes the 3-task retrieval -> reasoning -> synthesis
// fallback used when no procedure seeds.
func (pl *Planner) genericChain(p *Plan, goal string) {
	specs := []struct {
		id   string
		typ  TaskType
		name string
		desc string
	}{
		{"task:gather", TaskRetrieval, "Gather context", "Gather information relevant to: " + goal},
		{"task:reason", TaskReasoning, "Reason about goal", "Decide an approach for: " + goal},
		{"task:synthesize", TaskSynthesis, "Synthesize answer", "Synthesize a final answer for: " + goal},
	}
	for i, spec := range specs {
		task := Task{ID: spec.id, Type: spec.typ, Name: spec.name, Description: spec.desc}
		if i > 0 {
			prev := specs[i-1].id
			task.Dependencies = []string{prev}
			p.Edges = append(p.Edges, Edge{Src: prev, Dst: task.ID})
		}
		p.Tasks = append(p.Tasks, task)
	}
}

// ClassifyTask maps a step description onto a task type by keyword.
func ClassifyTask(description string) TaskType {
	lower := strings.ToLower(description)
	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("gather", "collect", "find", "search", "look up"):
		return TaskRetrieval
	case contains("calculate", "compute", "roll", "dc", "bonus"):
		return TaskComputation
	case contains("check", "verify", "validate", "confirm"):
		return TaskVerification
	case contains("decide", "choose", "select", "pick"):
		return TaskReasoning
	default:
		return TaskSynthesis
	}
}

// assignTooling fills tool, model, prompt, and parameters from the fixed
// per-type mapping. Descriptions are sanitized before being embedded.
func (pl *Planner) assignTooling(t *Task) {
	mapping := taskTypeMappings[t.Type]
	t.Tool = mapping.tool
	t.Model = mapping.model

	safe := SanitizeText(t.Description)
	t.Description = safe
	t.Prompt = promptFor(t.Type, safe)
	t.Parameters = map[string]interface{}{
		"description": safe,
		"task_type":   string(t.Type),
	}
}

func promptFor(typ TaskType, description string) string {
	switch typ {
	case TaskRetrieval:
		return "Retrieve all material relevant to the following step: " + description
	case TaskReasoning:
		return "Reason carefully about the following step and state your decision: " + description
	case TaskComputation:
		return "Compute the value required by the following step: " + description
	case TaskVerification:
		return "Verify the result of the following step against the rules: " + description
	default:
		return "Synthesize a complete answer for the following step: " + description
	}
}

// estimateAndCheckpoint computes per-task estimates, marks approvals and
// checkpoints, and clamps totals against the planning budget.
func (pl *Planner) estimateAndCheckpoint(p *Plan) {
	maxTokens := pl.MaxTokens
	if maxTokens <= 0 {
		maxTokens = MaxTokens
	}
	maxTime := pl.MaxTimeS
	if maxTime <= 0 {
		maxTime = MaxTimeS
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		base := taskTypeMappings[t.Type].baseTokens
		words := len(strings.Fields(t.Description))
		t.EstimatedTokens = int(float64(base) * (1 + float64(words)/10))
		t.EstimatedTimeS = float64(t.EstimatedTokens) / 100
		t.RequiresApproval = t.EstimatedTokens > 5000 || t.Type == TaskReasoning
	}
	p.recomputeTotals()

	// Past 80% of the token budget, the three most expensive tasks become
	// approval checkpoints.
	if float64(p.TotalEstimatedTokens) > 0.8*float64(maxTokens) {
		indexes := make([]int, len(p.Tasks))
		for i := range indexes {
			indexes[i] = i
		}
		sort.SliceStable(indexes, func(a, b int) bool {
			return p.Tasks[indexes[a]].EstimatedTokens > p.Tasks[indexes[b]].EstimatedTokens
		})
		for rank := 0; rank < len(indexes) && rank < 3; rank++ {
			p.Tasks[indexes[rank]].Checkpoint = true
		}
	}

	// Clamp estimates so a single plan cannot exhaust the resource
	// envelope outright.
	scale := 1.0
	if p.TotalEstimatedTokens > 0 {
		if s := 2 * float64(maxTokens) / float64(p.TotalEstimatedTokens); s < scale {
			scale = s
		}
	}
	if p.TotalEstimatedTimeS > 0 {
		if s := 2 * maxTime / p.TotalEstimatedTimeS; s < scale {
			scale = s
		}
	}
	if scale < 1 {
		for i := range p.Tasks {
			p.Tasks[i].EstimatedTokens = int(float64(p.Tasks[i].EstimatedTokens) * scale)
			p.Tasks[i].EstimatedTimeS *= scale
		}
		p.recomputeTotals()
	}

	p.Checkpoints = p.Checkpoints[:0]
	for _, t := range p.Tasks {
		if t.Checkpoint {
			p.Checkpoints = append(p.Checkpoints, t.ID)
		}
	}
}

// fallbackPlan is the degraded single-task plan emitted when planning
// hits an internal error.
func (pl *Planner) fallbackPlan(goal string) *Plan {
	task := Task{
		ID:          "task:fallback",
		Type:        TaskReasoning,
		Name:        "Fallback reasoning",
		Description: SanitizeText("Answer the goal directly: " + goal),
		Tool:        "llm",
		Model:       "claude-3-haiku",
	}
	task.Prompt = promptFor(TaskReasoning, task.Description)
	task.Parameters = map[string]interface{}{
		"description": task.Description,
		"task_type":   string(task.Type),
	}
	task.EstimatedTokens = 1000
	task.EstimatedTimeS = 10
	task.RequiresApproval = true

	p := &Plan{
		ID:        "plan:" + uuid.NewString(),
		Goal:      goal,
		Tasks:     []Task{task},
		CreatedAt: time.Now().UTC(),
	}
	p.recomputeTotals()
	return p
}

// Tokenize lowercases and splits text into a token set for Jaccard
// similarity scoring.
func Tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if len(word) > 1 {
			tokens[word] = true
		}
	}
	return tokens
}

// Jaccard computes |a n b| / |a u b| over token sets; empty sets score 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
