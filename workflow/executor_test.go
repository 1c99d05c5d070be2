package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/graphplan-go/plan"
	"github.com/dshills/graphplan-go/tool"
	"github.com/dshills/graphplan-go/workflow/store"
)

// chainPlan builds a linear plan whose tasks all use the "stub" tool.
func chainPlan(ids ...string) *plan.Plan {
	p := &plan.Plan{ID: "plan:test", Goal: "test goal"}
	for i, id := range ids {
		task := plan.Task{
			ID: id, Type: plan.TaskReasoning, Name: id, Tool: "stub",
			Model: "claude-3-haiku", Prompt: "do " + id,
			EstimatedTokens: 100, EstimatedTimeS: 1,
		}
		if i > 0 {
			task.Dependencies = []string{ids[i-1]}
			p.Edges = append(p.Edges, plan.Edge{Src: ids[i-1], Dst: id})
		}
		p.Tasks = append(p.Tasks, task)
	}
	return p
}

// parallelPlan builds independent tasks with no edges.
func parallelPlan(ids ...string) *plan.Plan {
	p := &plan.Plan{ID: "plan:par", Goal: "parallel goal"}
	for _, id := range ids {
		p.Tasks = append(p.Tasks, plan.Task{
			ID: id, Type: plan.TaskRetrieval, Name: id, Tool: "stub",
			Model: "claude-3-haiku", Prompt: "do " + id,
			EstimatedTokens: 100, EstimatedTimeS: 1,
		})
	}
	return p
}

func newTestExecutor(t *testing.T, stub tool.Tool) (*Executor, *store.MemStore) {
	t.Helper()
	reg := tool.NewRegistry()
	reg.Register(stub)
	st := store.NewMemStore()
	ex := NewExecutor(st, reg, nil)
	ex.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return ex, st
}

func TestRun_CompletesLinearChain(t *testing.T) {
	stub := &tool.MockTool{ToolName: "stub", Responses: []map[string]interface{}{
		{"output": "done"},
	}}
	ex, st := newTestExecutor(t, stub)

	ws, err := ex.Run(context.Background(), chainPlan("task:a", "task:b", "task:c"))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != store.WorkflowCompleted {
		t.Fatalf("status = %s, want completed", ws.Status)
	}
	for _, id := range []string{"task:a", "task:b", "task:c"} {
		ts := ws.Tasks[id]
		if ts.Status != store.TaskSucceeded {
			t.Errorf("%s status = %s", id, ts.Status)
		}
		if ts.DurationS < 0 {
			t.Errorf("%s negative duration", id)
		}
	}

	// Dependency ordering: successor starts at or after predecessor end.
	if ws.Tasks["task:b"].StartedAt.Before(*ws.Tasks["task:a"].CompletedAt) {
		t.Error("task:b started before task:a completed")
	}

	// State survived persistence.
	persisted, err := st.Get(context.Background(), ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Status != store.WorkflowCompleted {
		t.Errorf("persisted status = %s", persisted.Status)
	}
	if stub.CallCount() != 3 {
		t.Errorf("tool called %d times, want 3", stub.CallCount())
	}
}

// gaugeTool tracks its own peak concurrency.
type gaugeTool struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *gaugeTool) Name() string { return "stub" }

func (g *gaugeTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	g.current--
	g.mu.Unlock()
	return map[string]interface{}{"output": "ok"}, nil
}

func TestRun_BoundedParallelism(t *testing.T) {
	gauge := &gaugeTool{}
	ex, _ := newTestExecutor(t, gauge)
	ex.MaxParallel = 2

	ws, err := ex.Run(context.Background(), parallelPlan("task:1", "task:2", "task:3", "task:4", "task:5"))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != store.WorkflowCompleted {
		t.Fatalf("status = %s", ws.Status)
	}
	if gauge.peak > 2 {
		t.Errorf("peak concurrency %d exceeds cap 2", gauge.peak)
	}
}

func TestRun_FailureBlocksDependents(t *testing.T) {
	stub := &tool.MockTool{ToolName: "stub", Err: errors.New("tool exploded")}
	ex, _ := newTestExecutor(t, stub)

	ws, err := ex.Run(context.Background(), chainPlan("task:a", "task:b", "task:c"))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != store.WorkflowFailed {
		t.Fatalf("status = %s, want failed", ws.Status)
	}

	a := ws.Tasks["task:a"]
	if a.Status != store.TaskFailed {
		t.Errorf("task:a status = %s", a.Status)
	}
	if a.Retries != DefaultMaxAttempts-1 {
		t.Errorf("task:a retries = %d, want %d", a.Retries, DefaultMaxAttempts-1)
	}
	if !strings.Contains(a.Error, "tool exploded") {
		t.Errorf("task:a error = %q", a.Error)
	}

	for _, id := range []string{"task:b", "task:c"} {
		ts := ws.Tasks[id]
		if ts.Status != store.TaskBlocked {
			t.Errorf("%s status = %s, want blocked", id, ts.Status)
		}
		if ts.Error != "dependency task:a failed" {
			t.Errorf("%s error = %q", id, ts.Error)
		}
	}
	if stub.CallCount() != DefaultMaxAttempts {
		t.Errorf("tool attempts = %d, want %d", stub.CallCount(), DefaultMaxAttempts)
	}
}

func TestResume_RerunsOnlyFailedAndBlocked(t *testing.T) {
	stub := &tool.MockTool{ToolName: "stub", Err: errors.New("flaky")}
	ex, _ := newTestExecutor(t, stub)

	ws, err := ex.Run(context.Background(), chainPlan("task:a", "task:b"))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != store.WorkflowFailed {
		t.Fatalf("first run status = %s", ws.Status)
	}
	firstCalls := stub.CallCount()

	// The flaky dependency recovers.
	stub.Err = nil
	resumed, err := ex.Resume(context.Background(), ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != store.WorkflowCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	if resumed.ResumedAt == nil {
		t.Error("resumed_at not stamped")
	}
	for id, ts := range resumed.Tasks {
		if ts.Status != store.TaskSucceeded {
			t.Errorf("%s status = %s after resume", id, ts.Status)
		}
	}
	// Two fresh executions: the failed root and its formerly blocked child.
	if got := stub.CallCount() - firstCalls; got != 2 {
		t.Errorf("resume ran %d attempts, want 2", got)
	}

	// A completed workflow cannot resume again.
	if _, err := ex.Resume(context.Background(), ws.ID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestResume_DoesNotRetryBlockedWithoutReset(t *testing.T) {
	// Succeeded tasks stay untouched across resume.
	calls := map[string]int{}
	var mu sync.Mutex
	stub := &recordingTool{fn: func(input map[string]interface{}) (map[string]interface{}, error) {
		prompt := input["prompt"].(string)
		mu.Lock()
		calls[prompt]++
		n := calls[prompt]
		mu.Unlock()
		if strings.Contains(prompt, "task:b") && n == 1 {
			return nil, errors.New("first pass fails")
		}
		return map[string]interface{}{"output": "ok"}, nil
	}}
	ex, _ := newTestExecutor(t, stub)
	ex.Retry.MaxAttempts = 1

	ws, err := ex.Run(context.Background(), chainPlan("task:a", "task:b", "task:c"))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Tasks["task:a"].Status != store.TaskSucceeded {
		t.Fatal("task:a should have succeeded")
	}
	aCalls := calls["do task:a"]

	resumed, err := ex.Resume(context.Background(), ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != store.WorkflowCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	if calls["do task:a"] != aCalls {
		t.Error("succeeded task was re-run on resume")
	}
}

type recordingTool struct {
	fn func(input map[string]interface{}) (map[string]interface{}, error)
}

func (r *recordingTool) Name() string { return "stub" }
func (r *recordingTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.fn(input)
}

func TestRun_TimeoutCountsAsAttempt(t *testing.T) {
	ex, _ := newTestExecutor(t, &ctxWaitTool{})
	ex.TaskTimeout = 5 * time.Millisecond
	ex.Retry.MaxAttempts = 2

	ws, err := ex.Run(context.Background(), chainPlan("task:slow"))
	if err != nil {
		t.Fatal(err)
	}
	ts := ws.Tasks["task:slow"]
	if ts.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", ts.Status)
	}
	if ts.Retries != 1 {
		t.Errorf("retries = %d, want 1", ts.Retries)
	}
	if !strings.Contains(ts.Error, "deadline") {
		t.Errorf("error = %q, want deadline", ts.Error)
	}
}

// ctxWaitTool blocks until its context ends.
type ctxWaitTool struct{}

func (c *ctxWaitTool) Name() string { return "stub" }
func (c *ctxWaitTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_CancellationBlocksNonTerminal(t *testing.T) {
	ex, _ := newTestExecutor(t, &ctxWaitTool{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ws, err := ex.Run(ctx, chainPlan("task:a", "task:b"))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != store.WorkflowFailed {
		t.Fatalf("status = %s, want failed", ws.Status)
	}
	if ws.Error != "workflow cancelled" {
		t.Errorf("workflow error = %q", ws.Error)
	}
	for id, ts := range ws.Tasks {
		if ts.Status != store.TaskBlocked {
			t.Errorf("%s status = %s, want blocked", id, ts.Status)
		}
	}
}

func TestRun_CollectsArtifacts(t *testing.T) {
	stub := &tool.MockTool{ToolName: "stub", Responses: []map[string]interface{}{
		{
			"output": "made a thing",
			"artifacts": []interface{}{
				map[string]interface{}{"kind": "potion", "name": "healing"},
			},
		},
	}}
	ex, st := newTestExecutor(t, stub)

	ws, err := ex.Run(context.Background(), chainPlan("task:a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.Artifacts) != 1 {
		t.Fatalf("expected 1 workflow artifact, got %d", len(ws.Artifacts))
	}
	if len(ws.Tasks["task:a"].Artifacts) != 1 {
		t.Fatal("artifact id not stamped on task")
	}

	artifact, err := st.GetArtifact(context.Background(), ws.Artifacts[0])
	if err != nil {
		t.Fatal(err)
	}
	if artifact.WorkflowID != ws.ID || artifact.TaskID != "task:a" {
		t.Errorf("artifact keys wrong: %+v", artifact)
	}
	if artifact.Data["kind"] != "potion" {
		t.Errorf("artifact payload lost: %+v", artifact.Data)
	}
	if !strings.HasPrefix(artifact.ID, "artifact:"+ws.ID+":task:a:") {
		t.Errorf("artifact id shape wrong: %s", artifact.ID)
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	stub := &recordingTool{fn: func(input map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient outage")
		}
		return map[string]interface{}{"output": "recovered"}, nil
	}}
	ex, _ := newTestExecutor(t, stub)

	ws, err := ex.Run(context.Background(), chainPlan("task:a"))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != store.WorkflowCompleted {
		t.Fatalf("status = %s, want completed", ws.Status)
	}
	ts := ws.Tasks["task:a"]
	if ts.Status != store.TaskSucceeded {
		t.Fatalf("task status = %s", ts.Status)
	}
	if ts.Retries != 2 {
		t.Errorf("retries = %d, want 2", ts.Retries)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if ts.Error != "" {
		t.Errorf("recovered task kept error %q", ts.Error)
	}
	if ts.Output["output"] != "recovered" {
		t.Errorf("output = %v", ts.Output)
	}
}

func TestRun_MultipleArtifactsKeepDistinctIDs(t *testing.T) {
	stub := &tool.MockTool{ToolName: "stub", Responses: []map[string]interface{}{
		{
			"output": "made two things",
			"artifacts": []interface{}{
				map[string]interface{}{"name": "first"},
				map[string]interface{}{"name": "second"},
			},
		},
	}}
	ex, st := newTestExecutor(t, stub)

	ws, err := ex.Run(context.Background(), chainPlan("task:a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.Artifacts) != 2 {
		t.Fatalf("expected 2 workflow artifacts, got %d", len(ws.Artifacts))
	}
	if ws.Artifacts[0] == ws.Artifacts[1] {
		t.Fatalf("artifact ids collide: %s", ws.Artifacts[0])
	}

	names := map[string]bool{}
	for _, id := range ws.Artifacts {
		artifact, err := st.GetArtifact(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		name, _ := artifact.Data["name"].(string)
		names[name] = true
	}
	if !names["first"] || !names["second"] {
		t.Errorf("artifact payloads lost, stored names = %v", names)
	}

	stored, err := st.GetArtifacts(context.Background(), ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Errorf("store holds %d artifacts, want 2", len(stored))
	}
}

func TestRun_DependencyOutputFlowsDownstream(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	stub := &recordingTool{fn: nil}
	stub.fn = func(input map[string]interface{}) (map[string]interface{}, error) {
		prompt := input["prompt"].(string)
		if extra, ok := input["context"].(string); ok {
			mu.Lock()
			seen[prompt] = extra
			mu.Unlock()
		}
		return map[string]interface{}{"output": "from " + prompt}, nil
	}
	ex, _ := newTestExecutor(t, stub)

	if _, err := ex.Run(context.Background(), chainPlan("task:a", "task:b")); err != nil {
		t.Fatal(err)
	}
	if got := seen["do task:b"]; got != "from do task:a" {
		t.Errorf("downstream context = %q", got)
	}
}

func TestRun_RejectsInvalidPlan(t *testing.T) {
	p := chainPlan("task:a", "task:b")
	// Introduce a cycle.
	p.Tasks[0].Dependencies = []string{"task:b"}

	ex, _ := newTestExecutor(t, &tool.MockTool{ToolName: "stub"})
	if _, err := ex.Run(context.Background(), p); err == nil {
		t.Fatal("expected validation error")
	} else if !errors.Is(err, plan.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestRun_UnknownToolFailsWithoutRetry(t *testing.T) {
	ex, _ := newTestExecutor(t, &tool.MockTool{ToolName: "other"})
	ws, err := ex.Run(context.Background(), chainPlan("task:a"))
	if err != nil {
		t.Fatal(err)
	}
	ts := ws.Tasks["task:a"]
	if ts.Status != store.TaskFailed {
		t.Fatalf("status = %s", ts.Status)
	}
	if ts.Retries != 0 {
		t.Errorf("unknown tool must not retry, retries = %d", ts.Retries)
	}
	if !strings.Contains(ts.Error, "not registered") {
		t.Errorf("error = %q", ts.Error)
	}
}

func TestRetryPolicy_Delays(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.retry); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}

func TestRetryPolicy_JitterStaysBounded(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = true
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("jittered Delay(2) = %s outside [1s,3s]", d)
		}
	}
}
