package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// backends under test; MySQL needs a live server and is exercised by its
// own integration setup.
func testBackends(t *testing.T) map[string]StateStore {
	t.Helper()
	file, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	lite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]StateStore{
		"mem":    NewMemStore(),
		"file":   file,
		"sqlite": lite,
	}
}

func sampleState(id string, status WorkflowStatus, startedAt time.Time) *WorkflowState {
	created := startedAt
	return &WorkflowState{
		ID:        id,
		PlanID:    "plan:" + id,
		Goal:      "craft a healing potion",
		Status:    status,
		StartedAt: startedAt,
		Tasks: map[string]*TaskState{
			"task:a": {ID: "task:a", Status: TaskSucceeded, CreatedAt: created, Retries: 1},
			"task:b": {ID: "task:b", Status: TaskFailed, CreatedAt: created, Error: "boom",
				Dependencies: []string{"task:a"}},
		},
	}
}

func TestStateStore_SaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			want := sampleState("wf:round", WorkflowFailed, time.Now().UTC().Truncate(time.Second))
			if err := s.Save(ctx, want); err != nil {
				t.Fatal(err)
			}

			got, err := s.Get(ctx, "wf:round")
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != want.ID || got.Goal != want.Goal || got.Status != want.Status {
				t.Errorf("header mismatch: %+v", got)
			}
			if len(got.Tasks) != 2 {
				t.Fatalf("task count = %d, want 2", len(got.Tasks))
			}
			if got.Tasks["task:a"].Status != TaskSucceeded || got.Tasks["task:a"].Retries != 1 {
				t.Errorf("task:a not preserved: %+v", got.Tasks["task:a"])
			}
			if got.Tasks["task:b"].Error != "boom" {
				t.Errorf("task:b error not preserved: %+v", got.Tasks["task:b"])
			}
		})
	}
}

func TestStateStore_GetUnknown(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			if _, err := s.Get(ctx, "wf:missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStateStore_ListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			for i := 0; i < 5; i++ {
				status := WorkflowCompleted
				if i%2 == 1 {
					status = WorkflowFailed
				}
				ws := sampleState(fmt.Sprintf("wf:%d", i), status, base.Add(time.Duration(i)*time.Minute))
				if err := s.Save(ctx, ws); err != nil {
					t.Fatal(err)
				}
			}

			all, err := s.List(ctx, "", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 5 {
				t.Fatalf("expected 5 summaries, got %d", len(all))
			}
			for i := 1; i < len(all); i++ {
				if all[i].StartedAt.After(all[i-1].StartedAt) {
					t.Error("summaries not ordered newest first")
				}
			}

			failed, err := s.List(ctx, WorkflowFailed, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(failed) != 2 {
				t.Errorf("expected 2 failed, got %d", len(failed))
			}

			limited, err := s.List(ctx, "", 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(limited) != 3 {
				t.Errorf("limit not applied, got %d", len(limited))
			}
		})
	}
}

func TestStateStore_SummaryGoalClip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	ws := sampleState("wf:long", WorkflowCompleted, time.Now())
	ws.Goal = strings.Repeat("g", 250)
	if err := s.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list[0].Goal) != maxSummaryGoalLen {
		t.Errorf("goal length = %d, want %d", len(list[0].Goal), maxSummaryGoalLen)
	}
}

func TestStateStore_SummaryCountsTasksAndArtifacts(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ws := sampleState("wf:counted", WorkflowCompleted, base)
			ws.Artifacts = []string{
				ArtifactID("wf:counted", "task:a", base, 0),
				ArtifactID("wf:counted", "task:a", base, 1),
			}
			if err := s.Save(ctx, ws); err != nil {
				t.Fatal(err)
			}

			list, err := s.List(ctx, "", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 1 {
				t.Fatalf("expected 1 summary, got %d", len(list))
			}
			if list[0].TaskCount != 2 {
				t.Errorf("task_count = %d, want 2", list[0].TaskCount)
			}
			if list[0].ArtifactCount != 2 {
				t.Errorf("artifact_count = %d, want 2", list[0].ArtifactCount)
			}
		})
	}
}

func TestStateStore_Artifacts(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			first := Artifact{
				ID: ArtifactID("wf:art", "task:a", base, 0), WorkflowID: "wf:art", TaskID: "task:a",
				CreatedAt: base, Data: map[string]interface{}{"result": "one"},
			}
			second := Artifact{
				ID: ArtifactID("wf:art", "task:b", base.Add(time.Minute), 0), WorkflowID: "wf:art", TaskID: "task:b",
				CreatedAt: base.Add(time.Minute), Data: map[string]interface{}{"result": "two"},
			}
			for _, a := range []Artifact{second, first} {
				if err := s.SaveArtifact(ctx, a); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.GetArtifact(ctx, first.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.TaskID != "task:a" || got.Data["result"] != "one" {
				t.Errorf("artifact payload mismatch: %+v", got)
			}

			all, err := s.GetArtifacts(ctx, "wf:art")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 artifacts, got %d", len(all))
			}
			if all[0].TaskID != "task:a" || all[1].TaskID != "task:b" {
				t.Error("artifacts not ordered oldest first")
			}

			if _, err := s.GetArtifact(ctx, "artifact:none"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStateStore_DeleteRemovesArtifacts(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ws := sampleState("wf:del", WorkflowCompleted, now)
			if err := s.Save(ctx, ws); err != nil {
				t.Fatal(err)
			}
			artifact := Artifact{
				ID: ArtifactID("wf:del", "task:a", now, 0), WorkflowID: "wf:del", TaskID: "task:a",
				CreatedAt: now, Data: map[string]interface{}{"x": 1.0},
			}
			if err := s.SaveArtifact(ctx, artifact); err != nil {
				t.Fatal(err)
			}

			if err := s.Delete(ctx, "wf:del"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Get(ctx, "wf:del"); !errors.Is(err, ErrNotFound) {
				t.Errorf("workflow survived delete: %v", err)
			}
			if _, err := s.GetArtifact(ctx, artifact.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("artifact survived delete: %v", err)
			}
			if err := s.Delete(ctx, "wf:del"); !errors.Is(err, ErrNotFound) {
				t.Errorf("double delete should be ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"wf:abc/123":     "wf_abc_123",
		"plain-name_1.2": "plain-name_1.2",
		"a b\tc":         "a_b_c",
		"../escape":      ".._escape",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileStore_LayoutUsesSafeNames(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	ws := sampleState("wf:layout/check", WorkflowRunning, time.Now())
	if err := s.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}

	// The logical id keeps its colon and slash; the file name must not.
	got, err := s.Get(ctx, "wf:layout/check")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "wf:layout/check" {
		t.Errorf("logical id rewritten: %q", got.ID)
	}
}
