// Package store persists workflow execution state and task artifacts.
// Backends share one contract: file tree for zero-setup durability, memory
// for tests, SQLite for single-process deployments, MySQL for shared ones.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/graphplan-go/plan"
)

// TaskStatus is the per-task execution state.
type TaskStatus string

// Task statuses. Succeeded, failed, skipped, and blocked are terminal
// during a run; resume moves failed and blocked back to pending.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskBlocked   TaskStatus = "blocked"
)

// Terminal reports whether the status ends a task's participation in the
// current run.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskBlocked:
		return true
	}
	return false
}

// WorkflowStatus is the overall run state.
type WorkflowStatus string

// Workflow statuses.
const (
	WorkflowRunning        WorkflowStatus = "running"
	WorkflowCompleted      WorkflowStatus = "completed"
	WorkflowFailed         WorkflowStatus = "failed"
	WorkflowError          WorkflowStatus = "error"
	WorkflowPartialFailure WorkflowStatus = "partial_failure"
)

// TaskState tracks one task through a run.
type TaskState struct {
	ID           string                 `json:"id"`
	Status       TaskStatus             `json:"status"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Retries      int                    `json:"retries"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	DurationS    float64                `json:"duration_s,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Artifacts    []string               `json:"artifacts,omitempty"`
}

// WorkflowState is the durable record of one run. It is persisted after
// every task transition.
type WorkflowState struct {
	ID          string                 `json:"id"`
	PlanID      string                 `json:"plan_id,omitempty"`
	Goal        string                 `json:"goal"`
	Status      WorkflowStatus         `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationS   float64                `json:"duration_s,omitempty"`
	Tasks       map[string]*TaskState  `json:"tasks"`
	Artifacts   []string               `json:"artifacts,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ResumedAt   *time.Time             `json:"resumed_at,omitempty"`
	Checkpoints map[string]interface{} `json:"checkpoints,omitempty"`

	// Plan is the task-spec snapshot the run was started from. Persisting
	// it makes resume self-contained: the executor re-reads tool and
	// prompt assignments from here instead of re-planning the goal.
	Plan *plan.Plan `json:"plan,omitempty"`
}

// Artifact is a write-once task output record.
type Artifact struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	TaskID     string                 `json:"task_id"`
	CreatedAt  time.Time              `json:"created_at"`
	Data       map[string]interface{} `json:"data"`
}

// ArtifactID builds the canonical artifact key. seq distinguishes
// artifacts a task produced in the same second, so one output emitting
// several artifacts never collides with itself.
func ArtifactID(workflowID, taskID string, createdAt time.Time, seq int) string {
	return fmt.Sprintf("artifact:%s:%s:%d-%d", workflowID, taskID, createdAt.Unix(), seq)
}

// CloneState deep-copies a workflow state through its JSON form, the same
// representation every backend persists.
func CloneState(ws *WorkflowState) (*WorkflowState, error) {
	raw, err := json.Marshal(ws)
	if err != nil {
		return nil, err
	}
	var out WorkflowState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary is the listing view of a workflow: enough to render a table
// without loading full task state.
type Summary struct {
	ID            string         `json:"id"`
	Goal          string         `json:"goal"`
	Status        WorkflowStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	TaskCount     int            `json:"task_count"`
	ArtifactCount int            `json:"artifact_count"`
}

// maxSummaryGoalLen caps the goal string in listings.
const maxSummaryGoalLen = 100

func summarize(ws *WorkflowState) Summary {
	goal := ws.Goal
	if len(goal) > maxSummaryGoalLen {
		goal = goal[:maxSummaryGoalLen]
	}
	return Summary{
		ID:            ws.ID,
		Goal:          goal,
		Status:        ws.Status,
		StartedAt:     ws.StartedAt,
		CompletedAt:   ws.CompletedAt,
		TaskCount:     len(ws.Tasks),
		ArtifactCount: len(ws.Artifacts),
	}
}
