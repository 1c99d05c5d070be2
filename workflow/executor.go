// Package workflow executes task plans: bounded-parallel DAG scheduling,
// exponential-backoff retries, blocked-successor propagation, durable state
// after every transition, and resume from failure.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/graphplan-go/emit"
	"github.com/dshills/graphplan-go/plan"
	"github.com/dshills/graphplan-go/tool"
	"github.com/dshills/graphplan-go/workflow/store"
)

// DefaultMaxParallel caps concurrent task execution when the caller does
// not set a limit.
const DefaultMaxParallel = 3

// ErrAlreadyCompleted is returned by Resume for terminal workflows.
var ErrAlreadyCompleted = fmt.Errorf("workflow already completed")

// Executor runs plans against a tool registry and persists state through a
// StateStore after every task transition.
//
// Tune the exported fields before the first Run; they must not change
// while a run is in flight.
type Executor struct {
	state   store.StateStore
	tools   *tool.Registry
	emitter emit.Emitter
	metrics *Metrics

	// MaxParallel caps concurrently running tasks. Zero means
	// DefaultMaxParallel.
	MaxParallel int

	// TaskTimeout bounds a single attempt. Zero means no per-attempt
	// timeout. An overshoot counts as a failed attempt.
	TaskTimeout time.Duration

	// Retry is the per-task retry policy.
	Retry RetryPolicy

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with default concurrency and retries.
func NewExecutor(state store.StateStore, tools *tool.Registry, emitter emit.Emitter) *Executor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Executor{
		state:   state,
		tools:   tools,
		emitter: emitter,
		Retry:   DefaultRetryPolicy(),
		sleep:   sleepCtx,
	}
}

// SetMetrics attaches a Prometheus collector. Optional.
func (e *Executor) SetMetrics(m *Metrics) { e.metrics = m }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run validates the plan, creates durable workflow state, and executes the
// DAG to completion. The returned state is terminal unless ctx was
// cancelled mid-run.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) (*store.WorkflowState, error) {
	ws, err := e.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, ws, p)
	return ws, nil
}

// Start is Run without the wait: it persists the initial state, kicks off
// execution in the background, and returns a snapshot taken before the
// first task dispatch. Poll the state store for progress.
func (e *Executor) Start(ctx context.Context, p *plan.Plan) (*store.WorkflowState, error) {
	ws, err := e.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	snap, err := store.CloneState(ws)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	go e.execute(context.WithoutCancel(ctx), ws, p)
	return snap, nil
}

func (e *Executor) prepare(ctx context.Context, p *plan.Plan) (*store.WorkflowState, error) {
	if err := plan.ValidateErr(p); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	now := time.Now()
	ws := &store.WorkflowState{
		ID:        "wf:" + uuid.NewString(),
		PlanID:    p.ID,
		Goal:      p.Goal,
		Status:    store.WorkflowRunning,
		StartedAt: now,
		Tasks:     make(map[string]*store.TaskState, len(p.Tasks)),
		Plan:      p,
	}
	for _, task := range p.Tasks {
		ws.Tasks[task.ID] = &store.TaskState{
			ID:           task.ID,
			Status:       store.TaskPending,
			Dependencies: append([]string(nil), task.Dependencies...),
			CreatedAt:    now,
		}
	}
	if err := e.state.Save(ctx, ws); err != nil {
		return nil, fmt.Errorf("persist initial state: %w", err)
	}
	return ws, nil
}

// Resume reloads a workflow and re-executes it. Failed and blocked tasks
// reset to pending with a fresh retry budget; succeeded tasks are not
// re-run.
func (e *Executor) Resume(ctx context.Context, workflowID string) (*store.WorkflowState, error) {
	ws, err := e.state.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if ws.Status == store.WorkflowCompleted {
		return nil, ErrAlreadyCompleted
	}
	if ws.Plan == nil {
		return nil, fmt.Errorf("workflow %s has no plan snapshot", workflowID)
	}

	now := time.Now()
	for _, ts := range ws.Tasks {
		if ts.Status == store.TaskFailed || ts.Status == store.TaskBlocked {
			ts.Status = store.TaskPending
			ts.Retries = 0
			ts.Error = ""
			ts.StartedAt = nil
			ts.CompletedAt = nil
			ts.DurationS = 0
		}
	}
	ws.Status = store.WorkflowRunning
	ws.Error = ""
	ws.CompletedAt = nil
	ws.ResumedAt = &now
	if err := e.state.Save(ctx, ws); err != nil {
		return nil, fmt.Errorf("persist resumed state: %w", err)
	}

	e.execute(ctx, ws, ws.Plan)
	return ws, nil
}

// run carries the shared state of one execution.
type run struct {
	e     *Executor
	ws    *store.WorkflowState
	plan  *plan.Plan
	start time.Time

	mu      sync.Mutex
	wg      sync.WaitGroup
	running int
	seq     int
	wake    chan struct{}
}

func (e *Executor) execute(ctx context.Context, ws *store.WorkflowState, p *plan.Plan) {
	r := &run{
		e:     e,
		ws:    ws,
		plan:  p,
		start: time.Now(),
		wake:  make(chan struct{}, 1),
	}
	maxParallel := e.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	for {
		if ctx.Err() != nil {
			break
		}
		r.mu.Lock()
		e.metrics.setQueueDepth(r.pendingLocked())
		ready := r.readyLocked()
		for _, task := range ready {
			if r.running >= maxParallel {
				break
			}
			r.markRunningLocked(ctx, task)
			r.wg.Add(1)
			go r.runTask(ctx, task)
		}
		terminalOnly := r.allTerminalLocked()
		stalled := r.running == 0 && len(ready) == 0 && !terminalOnly
		r.mu.Unlock()

		if terminalOnly {
			break
		}
		if stalled {
			// Unreachable after cycle validation, but never spin.
			r.blockRemaining("unsatisfiable dependencies")
			break
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
		}
	}

	r.wg.Wait()
	r.finalize(ctx, ctx.Err() != nil)
}

// readyLocked lists pending tasks whose dependencies all succeeded.
func (r *run) readyLocked() []plan.Task {
	var ready []plan.Task
	for _, task := range r.plan.Tasks {
		ts := r.ws.Tasks[task.ID]
		if ts == nil || ts.Status != store.TaskPending {
			continue
		}
		ok := true
		for _, dep := range ts.Dependencies {
			depState := r.ws.Tasks[dep]
			if depState == nil || depState.Status != store.TaskSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready
}

func (r *run) pendingLocked() int {
	n := 0
	for _, ts := range r.ws.Tasks {
		if ts.Status == store.TaskPending {
			n++
		}
	}
	return n
}

func (r *run) allTerminalLocked() bool {
	for _, ts := range r.ws.Tasks {
		if !ts.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *run) markRunningLocked(ctx context.Context, task plan.Task) {
	now := time.Now()
	ts := r.ws.Tasks[task.ID]
	ts.Status = store.TaskRunning
	ts.StartedAt = &now
	r.running++
	r.e.metrics.taskStarted()
	r.persistLocked(ctx)
	r.emitLocked(task.ID, "task_started", nil)
}

func (r *run) runTask(ctx context.Context, task plan.Task) {
	defer r.wg.Done()
	defer r.signal()

	startedAt := time.Now()
	policy := r.e.Retry.normalized()

	impl, err := r.e.tools.Lookup(task.Tool)
	if err != nil {
		// Unknown tool is permanent; retrying cannot help.
		r.failTask(ctx, task, startedAt, err)
		return
	}

	input := map[string]interface{}{
		"prompt": task.Prompt,
		"model":  task.Model,
	}
	for k, v := range task.Parameters {
		input[k] = v
	}
	if extra := r.dependencyContext(task); extra != "" {
		input["context"] = extra
	}

	for attempt := 1; ; attempt++ {
		out, callErr := r.callOnce(ctx, impl, input)
		if callErr == nil {
			r.succeedTask(ctx, task, startedAt, out)
			return
		}
		if ctx.Err() != nil {
			r.cancelTask(ctx, task, startedAt)
			return
		}
		if attempt >= policy.MaxAttempts {
			r.failTask(ctx, task, startedAt, callErr)
			return
		}

		r.mu.Lock()
		r.ws.Tasks[task.ID].Retries++
		r.persistLocked(ctx)
		r.emitLocked(task.ID, "task_retry", map[string]interface{}{
			"attempt": attempt,
			"error":   callErr.Error(),
		})
		r.mu.Unlock()
		r.e.metrics.taskRetried(string(task.Type))

		if err := r.e.sleep(ctx, policy.Delay(attempt)); err != nil {
			r.cancelTask(ctx, task, startedAt)
			return
		}
	}
}

// callOnce runs a single attempt, applying the per-attempt timeout.
func (r *run) callOnce(ctx context.Context, impl tool.Tool, input map[string]interface{}) (map[string]interface{}, error) {
	attemptCtx := ctx
	if r.e.TaskTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.e.TaskTimeout)
		defer cancel()
	}
	return impl.Call(attemptCtx, input)
}

// dependencyContext folds direct dependencies' textual output into the
// task input so downstream tools see upstream results.
func (r *run) dependencyContext(task plan.Task) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out string
	for _, dep := range task.Dependencies {
		ts := r.ws.Tasks[dep]
		if ts == nil || ts.Output == nil {
			continue
		}
		if text, ok := ts.Output["output"].(string); ok && text != "" {
			if out != "" {
				out += "\n"
			}
			out += text
		}
	}
	return out
}

func (r *run) succeedTask(ctx context.Context, task plan.Task, startedAt time.Time, out map[string]interface{}) {
	now := time.Now()
	duration := time.Since(startedAt)

	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.ws.Tasks[task.ID]
	ts.Status = store.TaskSucceeded
	ts.CompletedAt = &now
	ts.DurationS = duration.Seconds()
	ts.Output = out
	r.running--
	r.collectArtifactsLocked(ctx, task, ts, out, now)
	r.persistLocked(ctx)
	r.emitLocked(task.ID, "task_succeeded", map[string]interface{}{"duration_s": ts.DurationS})
	r.e.metrics.taskFinished(string(task.Type), "success", duration)
}

// collectArtifactsLocked stamps and stores any artifacts in the output.
func (r *run) collectArtifactsLocked(ctx context.Context, task plan.Task, ts *store.TaskState, out map[string]interface{}, now time.Time) {
	raw, ok := out["artifacts"]
	if !ok {
		return
	}
	items, ok := raw.([]interface{})
	if !ok {
		return
	}
	for i, item := range items {
		data, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		artifact := store.Artifact{
			ID:         store.ArtifactID(r.ws.ID, task.ID, now, i),
			WorkflowID: r.ws.ID,
			TaskID:     task.ID,
			CreatedAt:  now,
			Data:       data,
		}
		if err := r.e.state.SaveArtifact(ctx, artifact); err != nil {
			r.emitLocked(task.ID, "artifact_save_failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		ts.Artifacts = append(ts.Artifacts, artifact.ID)
		r.ws.Artifacts = append(r.ws.Artifacts, artifact.ID)
	}
}

func (r *run) failTask(ctx context.Context, task plan.Task, startedAt time.Time, err error) {
	now := time.Now()
	duration := time.Since(startedAt)

	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.ws.Tasks[task.ID]
	ts.Status = store.TaskFailed
	ts.CompletedAt = &now
	ts.DurationS = duration.Seconds()
	ts.Error = err.Error()
	r.running--
	r.blockDependentsLocked(ctx, task.ID)
	r.persistLocked(ctx)
	r.emitLocked(task.ID, "task_failed", map[string]interface{}{"error": err.Error()})
	r.e.metrics.taskFinished(string(task.Type), "error", duration)
}

func (r *run) cancelTask(ctx context.Context, task plan.Task, startedAt time.Time) {
	now := time.Now()
	duration := time.Since(startedAt)

	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.ws.Tasks[task.ID]
	ts.Status = store.TaskBlocked
	ts.CompletedAt = &now
	ts.DurationS = duration.Seconds()
	ts.Error = "workflow cancelled"
	r.running--
	r.e.metrics.taskBlocked()
	r.persistLocked(ctx)
	r.emitLocked(task.ID, "task_blocked", map[string]interface{}{"error": ts.Error})
	r.e.metrics.taskFinished(string(task.Type), "cancelled", duration)
}

// blockDependentsLocked transitions every pending task transitively
// depending on failedID to blocked.
func (r *run) blockDependentsLocked(ctx context.Context, failedID string) {
	// dependents by direct dependency edges
	dependents := make(map[string][]string)
	for _, task := range r.plan.Tasks {
		for _, dep := range task.Dependencies {
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}
	for _, edge := range r.plan.Edges {
		dependents[edge.Src] = append(dependents[edge.Src], edge.Dst)
	}

	queue := []string{failedID}
	seen := map[string]bool{failedID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if seen[next] {
				continue
			}
			seen[next] = true
			ts := r.ws.Tasks[next]
			if ts != nil && ts.Status == store.TaskPending {
				ts.Status = store.TaskBlocked
				ts.Error = fmt.Sprintf("dependency %s failed", failedID)
				r.e.metrics.taskBlocked()
				r.emitLocked(next, "task_blocked", map[string]interface{}{"error": ts.Error})
			}
			queue = append(queue, next)
		}
	}
}

// blockRemaining marks every non-terminal task blocked with the given
// reason.
func (r *run) blockRemaining(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ts := range r.ws.Tasks {
		if !ts.Status.Terminal() && ts.Status != store.TaskRunning {
			ts.Status = store.TaskBlocked
			ts.Error = reason
			r.e.metrics.taskBlocked()
			r.emitLocked(id, "task_blocked", map[string]interface{}{"error": reason})
		}
	}
}

func (r *run) finalize(ctx context.Context, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancelled {
		for id, ts := range r.ws.Tasks {
			if !ts.Status.Terminal() {
				ts.Status = store.TaskBlocked
				ts.Error = "workflow cancelled"
				r.e.metrics.taskBlocked()
				r.emitLocked(id, "task_blocked", map[string]interface{}{"error": ts.Error})
			}
		}
	}
	r.e.metrics.setQueueDepth(0)

	succeeded := 0
	for _, ts := range r.ws.Tasks {
		if ts.Status == store.TaskSucceeded {
			succeeded++
		}
	}

	switch {
	case succeeded == len(r.ws.Tasks):
		r.ws.Status = store.WorkflowCompleted
	case cancelled && succeeded > 0:
		r.ws.Status = store.WorkflowPartialFailure
		r.ws.Error = "workflow cancelled"
	case cancelled:
		r.ws.Status = store.WorkflowFailed
		r.ws.Error = "workflow cancelled"
	default:
		r.ws.Status = store.WorkflowFailed
	}

	now := time.Now()
	r.ws.CompletedAt = &now
	r.ws.DurationS = time.Since(r.start).Seconds()
	r.persistLocked(ctx)
	r.emitLocked("", "workflow_finished", map[string]interface{}{
		"status":     string(r.ws.Status),
		"duration_s": r.ws.DurationS,
	})
	r.e.metrics.workflowFinished(string(r.ws.Status))
}

// persistLocked writes the current state; persistence failures are
// reported through the emitter but do not abort execution.
func (r *run) persistLocked(ctx context.Context) {
	// Detach from cancellation so terminal state still lands on disk.
	saveCtx := context.WithoutCancel(ctx)
	if err := r.e.state.Save(saveCtx, r.ws); err != nil {
		r.emitLocked("", "state_save_failed", map[string]interface{}{"error": err.Error()})
	}
}

func (r *run) emitLocked(taskID, msg string, meta map[string]interface{}) {
	r.seq++
	r.e.emitter.Emit(emit.Event{
		WorkflowID: r.ws.ID,
		Seq:        r.seq,
		TaskID:     taskID,
		Msg:        msg,
		Meta:       meta,
	})
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
