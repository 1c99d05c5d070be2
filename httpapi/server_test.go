package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/graphplan-go/budget"
	"github.com/dshills/graphplan-go/graph"
	"github.com/dshills/graphplan-go/plan"
	"github.com/dshills/graphplan-go/tool"
	"github.com/dshills/graphplan-go/workflow"
	"github.com/dshills/graphplan-go/workflow/store"
)

// longGoal busts the guest token envelope but stays within plan limits.
const longGoal = "prepare a complete session outline covering the ambush " +
	"encounter the tavern negotiation the dungeon crawl the treasure division " +
	"and the closing cliffhanger with full stat blocks for every creature involved"

func newTestServer(t *testing.T) (http.Handler, *store.MemStore) {
	t.Helper()

	gstore, err := graph.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	manager, err := budget.NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}

	reg := tool.NewRegistry()
	for _, name := range []string{"retriever", "llm", "calculator", "rules_checker"} {
		reg.Register(&tool.MockTool{ToolName: name, Responses: []map[string]interface{}{
			{"output": "ok from " + name},
		}})
	}
	st := store.NewMemStore()

	srv := NewServer(Config{
		Planner:  plan.NewPlanner(gstore, nil),
		Manager:  manager,
		Enforcer: budget.NewEnforcer(manager, nil),
		Executor: workflow.NewExecutor(st, reg, nil),
		State:    st,
		Registry: prometheus.NewRegistry(),
	})
	return srv.Router(), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func seedWorkflow(t *testing.T, st *store.MemStore, id string, status store.WorkflowStatus) {
	t.Helper()
	err := st.Save(context.Background(), &store.WorkflowState{
		ID:        id,
		Goal:      "seeded",
		Status:    status,
		StartedAt: time.Now(),
		Tasks:     map[string]*store.TaskState{},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHealthz(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ok" || body["env"] != "staging" {
		t.Errorf("body = %v", body)
	}
}

func TestPlan_ReturnsEstimateAndValidation(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/plan", planRequest{
		Goal: "craft a healing potion", UserRole: "admin",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp planResponse
	decode(t, rec, &resp)
	if resp.Plan == nil || len(resp.Plan.Tasks) == 0 {
		t.Fatal("no plan returned")
	}
	if !resp.Validation.Valid {
		t.Errorf("validation failed: %v", resp.Validation.Problems)
	}
	if resp.Estimate.TotalTokens <= 0 {
		t.Error("estimate missing")
	}
	if !resp.BudgetAnalysis.Compliant {
		t.Errorf("admin plan should be compliant: %+v", resp.BudgetAnalysis.Violations)
	}
}

func TestPlan_RequiresGoal(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/plan", planRequest{UserRole: "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRun_RequiresGoalOrPlanID(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/run", runRequest{UserRole: "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRun_ExecutesToCompletion(t *testing.T) {
	h, st := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/run", runRequest{
		Goal: "craft a healing potion", UserRole: "admin",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	decode(t, rec, &resp)
	id, _ := resp["workflow_id"].(string)
	if id == "" {
		t.Fatal("no workflow_id in response")
	}
	if resp["monitor_url"] != "/workflow/"+id {
		t.Errorf("monitor_url = %v", resp["monitor_url"])
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		ws, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if ws.Status != store.WorkflowRunning {
			if ws.Status != store.WorkflowCompleted {
				t.Fatalf("terminal status = %s", ws.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("workflow did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The finished state is also served over the API.
	rec = doJSON(t, h, http.MethodGet, "/workflow/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var ws store.WorkflowState
	decode(t, rec, &ws)
	if ws.Status != store.WorkflowCompleted {
		t.Errorf("api status = %s", ws.Status)
	}
}

func TestRun_ByPlanID(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/plan", planRequest{
		Goal: "craft a healing potion", UserRole: "admin",
	})
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Body.String())
	}
	var planned planResponse
	decode(t, rec, &planned)

	rec = doJSON(t, h, http.MethodPost, "/run", runRequest{PlanID: planned.Plan.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/run", runRequest{PlanID: "plan:no-such"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown plan status = %d", rec.Code)
	}
}

func TestRun_GuestOverrunRequiresApproval(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/run", runRequest{
		Goal: longGoal, UserRole: "guest",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	decode(t, rec, &resp)
	if resp["approval_checkpoint"] == nil {
		t.Error("no approval checkpoint in 402 response")
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/workflow/wf:ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetArtifact_CrossWorkflowForbidden(t *testing.T) {
	h, st := newTestServer(t)
	seedWorkflow(t, st, "wf:mine", store.WorkflowCompleted)

	artifact := store.Artifact{
		ID:         "artifact:wf:other:task:x:1",
		WorkflowID: "wf:other",
		TaskID:     "task:x",
		CreatedAt:  time.Now(),
		Data:       map[string]interface{}{"kind": "note"},
	}
	if err := st.SaveArtifact(context.Background(), artifact); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodGet, "/workflow/wf:mine/artifacts/"+artifact.ID, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/workflow/wf:mine/artifacts/artifact:missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing artifact status = %d", rec.Code)
	}
}

func TestResume_CompletedIsRejected(t *testing.T) {
	h, st := newTestServer(t)
	seedWorkflow(t, st, "wf:done", store.WorkflowCompleted)

	rec := doJSON(t, h, http.MethodPost, "/workflow/wf:done/resume", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] != "already completed" {
		t.Errorf("error = %q", body["error"])
	}

	rec = doJSON(t, h, http.MethodPost, "/workflow/wf:ghost/resume", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow status = %d", rec.Code)
	}
}

func TestApprove(t *testing.T) {
	h, st := newTestServer(t)
	seedWorkflow(t, st, "wf:gated", store.WorkflowRunning)

	rec := doJSON(t, h, http.MethodPost, "/workflow/wf:gated/approve?checkpoint=ckpt:1&choice=A", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var record map[string]interface{}
	decode(t, rec, &record)
	if record["status"] != "approved" || record["choice"] != "A" {
		t.Errorf("record = %v", record)
	}

	ws, err := st.Get(context.Background(), "wf:gated")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ws.Checkpoints["ckpt:1"]; !ok {
		t.Error("approval not persisted")
	}

	rec = doJSON(t, h, http.MethodPost, "/workflow/wf:gated/approve?checkpoint=ckpt:1&choice=C", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid choice status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/workflow/wf:gated/approve?choice=A", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing checkpoint status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/workflow/wf:ghost/approve?checkpoint=ckpt:1&choice=A", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow status = %d", rec.Code)
	}
}

func TestDelete(t *testing.T) {
	h, st := newTestServer(t)
	seedWorkflow(t, st, "wf:live", store.WorkflowRunning)
	seedWorkflow(t, st, "wf:done", store.WorkflowCompleted)

	rec := doJSON(t, h, http.MethodDelete, "/workflow/wf:live", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("running delete status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/workflow/wf:done", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/workflow/wf:done", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatal("workflow still readable after delete")
	}

	rec = doJSON(t, h, http.MethodDelete, "/workflow/wf:ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown delete status = %d", rec.Code)
	}
}

func TestListWorkflows_FilterAndLimit(t *testing.T) {
	h, st := newTestServer(t)
	seedWorkflow(t, st, "wf:1", store.WorkflowCompleted)
	seedWorkflow(t, st, "wf:2", store.WorkflowFailed)
	seedWorkflow(t, st, "wf:3", store.WorkflowCompleted)

	rec := doJSON(t, h, http.MethodGet, "/workflows?status=completed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Workflows []store.Summary `json:"workflows"`
		Count     int             `json:"count"`
	}
	decode(t, rec, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	rec = doJSON(t, h, http.MethodGet, "/workflows?limit=1", nil)
	decode(t, rec, &resp)
	if resp.Count != 1 {
		t.Errorf("limited count = %d, want 1", resp.Count)
	}

	rec = doJSON(t, h, http.MethodGet, "/workflows?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus limit status = %d", rec.Code)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("models status = %d", rec.Code)
	}
	var models struct {
		Models []budget.Model `json:"models"`
	}
	decode(t, rec, &models)
	if len(models.Models) == 0 {
		t.Error("empty model catalog")
	}

	rec = doJSON(t, h, http.MethodGet, "/budget/roles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("roles status = %d", rec.Code)
	}
	var roles struct {
		Roles map[string]budget.Budget `json:"roles"`
	}
	decode(t, rec, &roles)
	for _, want := range []string{"admin", "player", "guest"} {
		if _, ok := roles.Roles[want]; !ok {
			t.Errorf("role %s missing", want)
		}
	}
}
