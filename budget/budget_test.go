package budget

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/graphplan-go/plan"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManager_DefaultEnvelopes(t *testing.T) {
	m := newTestManager(t)

	admin := m.EnvelopeFor("admin")
	if admin.MaxTotalTokens != 200000 || admin.MaxParallelTasks != 8 {
		t.Errorf("unexpected admin envelope: %+v", admin)
	}
	guest := m.EnvelopeFor("guest")
	if guest.MaxTotalTokens != 10000 || guest.MaxTotalCostUSD != 0.10 {
		t.Errorf("unexpected guest envelope: %+v", guest)
	}
	if got := m.EnvelopeFor("nobody"); got != guest {
		t.Errorf("unknown role must fall back to guest, got %+v", got)
	}
}

func TestManager_PolicyOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.yaml")
	policy := `
roles:
  player:
    max_total_tokens: 75000
    max_total_cost_usd: 2.5
    max_time_s: 600
    max_parallel_tasks: 6
models:
  - name: claude-3-haiku
    provider: anthropic
    cost_per_1k_tokens: 0.0005
    latency_ms: 900
    context_window: 200000
    capabilities: [retrieval, reasoning]
`
	if err := os.WriteFile(path, []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	player := m.EnvelopeFor("player")
	if player.MaxTotalTokens != 75000 || player.MaxParallelTasks != 6 {
		t.Errorf("overlay not applied: %+v", player)
	}
	// Roles absent from the file keep their defaults.
	if m.EnvelopeFor("admin").MaxTotalTokens != 200000 {
		t.Error("admin default lost after overlay")
	}
	haiku, ok := m.ModelByName("claude-3-haiku")
	if !ok || haiku.CostPer1K != 0.0005 {
		t.Errorf("model overlay not applied: %+v", haiku)
	}
}

func TestManager_ReloadPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  guest:\n    max_total_tokens: 5000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.EnvelopeFor("guest").MaxTotalTokens != 5000 {
		t.Fatal("initial policy not loaded")
	}

	if err := os.WriteFile(path, []byte("roles:\n  guest:\n    max_total_tokens: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := m.EnvelopeFor("guest").MaxTotalTokens; got != 9000 {
		t.Errorf("reload did not take effect, got %d", got)
	}
}

func TestEstimatePlan(t *testing.T) {
	m := newTestManager(t)
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task:a", Type: plan.TaskReasoning, Model: "claude-3-5-sonnet", EstimatedTokens: 2000},
		{ID: "task:b", Type: plan.TaskRetrieval, Model: "claude-3-haiku", EstimatedTokens: 1000},
	}}

	est := m.EstimatePlan(p)
	if est.TotalTokens != 3000 {
		t.Errorf("tokens = %d, want 3000", est.TotalTokens)
	}
	wantCost := 2.0*0.003 + 1.0*0.00025
	if math.Abs(est.TotalCostUSD-wantCost) > 1e-9 {
		t.Errorf("cost = %f, want %f", est.TotalCostUSD, wantCost)
	}
	wantTime := 1.5 + 0.8
	if math.Abs(est.TotalTimeS-wantTime) > 1e-9 {
		t.Errorf("time = %f, want %f", est.TotalTimeS, wantTime)
	}
	if len(est.Tasks) != 2 {
		t.Fatalf("expected per-task breakdown, got %d entries", len(est.Tasks))
	}
}

func TestEstimatePlan_UnknownModelIsPessimistic(t *testing.T) {
	m := newTestManager(t)
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task:a", Type: plan.TaskReasoning, Model: "no-such-model", EstimatedTokens: 1000},
	}}
	est := m.EstimatePlan(p)
	if est.TotalCostUSD != unknownModelCostPer1K {
		t.Errorf("cost = %f, want %f", est.TotalCostUSD, unknownModelCostPer1K)
	}
	if est.TotalTimeS != unknownModelTimeS {
		t.Errorf("time = %f, want %f", est.TotalTimeS, unknownModelTimeS)
	}
}

func TestCheckCompliance(t *testing.T) {
	m := newTestManager(t)
	est := Estimate{TotalTokens: 20000, TotalCostUSD: 0.5, TotalTimeS: 30}

	violations := m.CheckCompliance(est, "guest", 4)
	dims := map[string]bool{}
	for _, v := range violations {
		dims[v.Dimension] = true
	}
	for _, want := range []string{"tokens", "cost_usd", "parallel_tasks"} {
		if !dims[want] {
			t.Errorf("missing %s violation in %v", want, violations)
		}
	}
	if dims["time_s"] {
		t.Error("time within envelope must not be flagged")
	}

	if v := m.CheckCompliance(est, "admin", 4); len(v) != 0 {
		t.Errorf("admin envelope should fit, got %v", v)
	}
}

func TestSelector_Priorities(t *testing.T) {
	m := newTestManager(t)
	sel := NewSelector(m)

	cases := []struct {
		taskType plan.TaskType
		priority SelectionPriority
		want     string
	}{
		{plan.TaskSynthesis, PriorityCost, "gemini-1.5-flash"},
		{plan.TaskSynthesis, PriorityQuality, "gpt-4"},
		{plan.TaskReasoning, PrioritySpeed, "gpt-4o-mini"},
		{plan.TaskComputation, PriorityBalanced, "local"},
	}
	for _, tc := range cases {
		if got := sel.Select(tc.taskType, tc.priority, 0); got != tc.want {
			t.Errorf("Select(%s, %s) = %s, want %s", tc.taskType, tc.priority, got, tc.want)
		}
	}
}

func TestSelector_ContextWindowFallback(t *testing.T) {
	m := newTestManager(t)
	sel := NewSelector(m)

	// Quality picks gpt-4, but a 150k-token estimate cannot fit its 8k
	// window; the cheapest 200k-window reasoner takes over.
	if got := sel.Select(plan.TaskReasoning, PriorityQuality, 150000); got != "claude-3-haiku" {
		t.Errorf("expected context-window fallback to claude-3-haiku, got %s", got)
	}
}

func TestSelector_UnknownTypeFallsBackToReasoning(t *testing.T) {
	m := newTestManager(t)
	sel := NewSelector(m)
	got := sel.Select(plan.TaskType("divination"), PriorityBalanced, 0)
	if model, ok := m.ModelByName(got); !ok || !model.HasCapability(CapReasoning) {
		t.Errorf("fallback model %q must be reasoning-capable", got)
	}
}

func TestEnforce_CompliantPlanPassesUntouched(t *testing.T) {
	m := newTestManager(t)
	e := NewEnforcer(m, nil)
	p := &plan.Plan{ID: "plan:ok", Tasks: []plan.Task{
		{ID: "task:a", Type: plan.TaskRetrieval, Model: "claude-3-haiku", EstimatedTokens: 500},
	}}

	res := e.Enforce(p, "player")
	if !res.Compliant {
		t.Fatalf("expected compliance, got violations %v", res.Violations)
	}
	if res.OptimizationAttempted || res.OptimizedPlan != nil || res.ApprovalCheckpoint != nil {
		t.Error("compliant plan must not trigger optimization or approval")
	}
}

func TestEnforce_DowngradesCostOverrun(t *testing.T) {
	m := newTestManager(t)
	e := NewEnforcer(m, nil)
	// gpt-4 at 40k tokens is $1.20, over the player $1.00 ceiling; a swap
	// to a cheaper synthesis model fits.
	p := &plan.Plan{ID: "plan:over", Tasks: []plan.Task{
		{ID: "task:a", Type: plan.TaskSynthesis, Model: "gpt-4", EstimatedTokens: 40000},
	}}

	res := e.Enforce(p, "player")
	if !res.Compliant {
		t.Fatalf("expected downgrade to restore compliance, got %v", res.Violations)
	}
	if !res.OptimizationAttempted || res.OptimizedPlan == nil {
		t.Fatal("expected an optimized plan")
	}
	if got := res.OptimizedPlan.Tasks[0].Model; got == "gpt-4" {
		t.Error("model was not downgraded")
	}
	if res.Estimate.TotalCostUSD > 1.0 {
		t.Errorf("optimized cost %f still over budget", res.Estimate.TotalCostUSD)
	}
	// The input plan is untouched.
	if p.Tasks[0].Model != "gpt-4" {
		t.Error("input plan was mutated")
	}
}

func TestEnforce_PicksCheapestCompliantModel(t *testing.T) {
	m := newTestManager(t)
	e := NewEnforcer(m, nil)
	p := &plan.Plan{ID: "plan:cheapest", Tasks: []plan.Task{
		{ID: "task:a", Type: plan.TaskSynthesis, Model: "gpt-4", EstimatedTokens: 40000},
	}}

	res := e.Enforce(p, "player")
	if !res.Compliant || res.OptimizedPlan == nil {
		t.Fatalf("expected compliant optimized plan, got %+v", res)
	}
	// Alternatives are tried cheapest first, so the swap lands on the
	// cheapest synthesis-capable model, not merely the next cheaper one.
	if got := res.OptimizedPlan.Tasks[0].Model; got != "gemini-1.5-flash" {
		t.Errorf("downgrade model = %s, want gemini-1.5-flash", got)
	}
}

func TestEnforce_GuestOverrunRaisesApproval(t *testing.T) {
	m := newTestManager(t)
	e := NewEnforcer(m, nil)
	// 50k tokens exceed the guest token ceiling regardless of model, so no
	// downgrade can help; an approval checkpoint is raised.
	p := &plan.Plan{ID: "plan:guest", Tasks: []plan.Task{
		{ID: "task:a", Type: plan.TaskReasoning, Model: "gpt-4", EstimatedTokens: 50000},
	}}

	res := e.Enforce(p, "guest")
	if res.Compliant {
		t.Fatal("50k tokens must not fit the guest envelope")
	}
	if !res.OptimizationAttempted {
		t.Error("optimization must be attempted before escalating")
	}
	ckpt := res.ApprovalCheckpoint
	if ckpt == nil {
		t.Fatal("expected approval checkpoint")
	}
	if ckpt.Status != "pending" || ckpt.Type != "budget_approval" {
		t.Errorf("unexpected checkpoint shape: %+v", ckpt)
	}
	if !strings.HasPrefix(ckpt.ID, "ckpt:") {
		t.Errorf("checkpoint id %q missing prefix", ckpt.ID)
	}
	if !strings.Contains(ckpt.Reason, "tokens") {
		t.Errorf("reason should name the token overrun: %s", ckpt.Reason)
	}
	// The best-effort plan keeps the cheapest reasoning-capable model even
	// though no swap could restore compliance.
	if got := res.OptimizedPlan.Tasks[0].Model; got != "gpt-4o-mini" {
		t.Errorf("best-effort model = %s, want gpt-4o-mini", got)
	}
}

func TestEnforce_DowngradesLeastImportantFirst(t *testing.T) {
	m := newTestManager(t)
	e := NewEnforcer(m, nil)
	// Retrieval (weight 1) should be downgraded before synthesis (weight 3).
	p := &plan.Plan{ID: "plan:order", Tasks: []plan.Task{
		{ID: "task:fetch", Type: plan.TaskRetrieval, Model: "gpt-4", EstimatedTokens: 35000},
		{ID: "task:write", Type: plan.TaskSynthesis, Model: "claude-3-5-sonnet", EstimatedTokens: 5000,
			Dependencies: []string{"task:fetch"}},
	}}

	res := e.Enforce(p, "player")
	if !res.Compliant || res.OptimizedPlan == nil {
		t.Fatalf("expected compliant optimized plan, got %+v", res)
	}
	if got := res.OptimizedPlan.TaskByID("task:fetch").Model; got == "gpt-4" {
		t.Error("retrieval task should have been downgraded")
	}
	if got := res.OptimizedPlan.TaskByID("task:write").Model; got != "claude-3-5-sonnet" {
		t.Errorf("synthesis task should be untouched, got %s", got)
	}
}
