package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/graphplan-go/budget"
	"github.com/dshills/graphplan-go/emit"
	"github.com/dshills/graphplan-go/plan"
	"github.com/dshills/graphplan-go/workflow"
	"github.com/dshills/graphplan-go/workflow/store"
)

const defaultRole = "player"

type planRequest struct {
	Goal        string                 `json:"goal"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
	UserRole    string                 `json:"user_role,omitempty"`
}

type planResponse struct {
	Plan               *plan.Plan                 `json:"plan"`
	Estimate           budget.Estimate            `json:"estimate"`
	Checkpoints        []string                   `json:"checkpoints"`
	BudgetAnalysis     budget.Result              `json:"budget_analysis"`
	Validation         validationResult           `json:"validation"`
	ApprovalCheckpoint *budget.ApprovalCheckpoint `json:"approval_checkpoint,omitempty"`
}

type validationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}
	role := req.UserRole
	if role == "" {
		role = defaultRole
	}

	prepared, valid, problems := s.preparePlan(req.Goal, role)
	if !valid {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      "invalid plan",
			"validation": validationResult{Valid: false, Problems: problems},
		})
		return
	}

	writeJSON(w, http.StatusOK, planResponse{
		Plan:               prepared.Plan,
		Estimate:           prepared.Result.Estimate,
		Checkpoints:        prepared.Plan.Checkpoints,
		BudgetAnalysis:     prepared.Result,
		Validation:         validationResult{Valid: true},
		ApprovalCheckpoint: prepared.Result.ApprovalCheckpoint,
	})
}

// preparePlan plans the goal, enforces the role's budget, and caches the
// runnable plan (the optimized one when a downgrade was needed).
func (s *Server) preparePlan(goal, role string) (*preparedPlan, bool, []string) {
	p := s.planner.Plan(goal)
	if ok, problems := plan.Validate(p); !ok {
		return nil, false, problems
	}
	result := s.enforcer.Enforce(p, role)
	runnable := p
	if result.OptimizedPlan != nil {
		runnable = result.OptimizedPlan
	}
	prepared := &preparedPlan{Plan: runnable, Result: result, Role: role}
	s.cachePlan(prepared)
	s.emitter.Emit(emit.Event{Msg: "plan_prepared", Meta: map[string]interface{}{
		"plan_id":   runnable.ID,
		"tasks":     len(runnable.Tasks),
		"compliant": result.Compliant,
		"role":      role,
	}})
	return prepared, true, nil
}

type runRequest struct {
	Goal     string `json:"goal,omitempty"`
	PlanID   string `json:"plan_id,omitempty"`
	UserRole string `json:"user_role,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Goal == "" && req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "goal or plan_id is required")
		return
	}
	role := req.UserRole
	if role == "" {
		role = defaultRole
	}

	var prepared *preparedPlan
	if req.PlanID != "" {
		var ok bool
		prepared, ok = s.lookupPlan(req.PlanID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown plan "+req.PlanID)
			return
		}
	} else {
		var valid bool
		var problems []string
		prepared, valid, problems = s.preparePlan(req.Goal, role)
		if !valid {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":      "invalid plan",
				"validation": validationResult{Valid: false, Problems: problems},
			})
			return
		}
	}

	if !prepared.Result.Compliant {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":               "budget approval required",
			"approval_checkpoint": prepared.Result.ApprovalCheckpoint,
			"violations":          prepared.Result.Violations,
		})
		return
	}

	ws, err := s.executor.Start(r.Context(), prepared.Plan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": ws.ID,
		"status":      string(store.WorkflowRunning),
		"started_at":  ws.StartedAt,
		"plan_id":     ws.PlanID,
		"goal":        ws.Goal,
		"monitor_url": "/workflow/" + ws.ID,
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	ws, err := s.state.Get(r.Context(), id)
	if err != nil {
		s.workflowError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	artifactID := chi.URLParam(r, "artifactID")

	artifact, err := s.state.GetArtifact(r.Context(), artifactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if artifact.WorkflowID != workflowID {
		writeError(w, http.StatusForbidden, "artifact belongs to another workflow")
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	ws, err := s.executor.Resume(r.Context(), id)
	if err != nil {
		if errors.Is(err, workflow.ErrAlreadyCompleted) {
			writeError(w, http.StatusBadRequest, "already completed")
			return
		}
		s.workflowError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	checkpointID := r.URL.Query().Get("checkpoint")
	choice := r.URL.Query().Get("choice")

	if checkpointID == "" {
		writeError(w, http.StatusBadRequest, "checkpoint is required")
		return
	}
	if choice != "A" && choice != "B" {
		writeError(w, http.StatusBadRequest, "choice must be A or B")
		return
	}

	ws, err := s.state.Get(r.Context(), id)
	if err != nil {
		s.workflowError(w, id, err)
		return
	}

	record := map[string]interface{}{
		"checkpoint_id": checkpointID,
		"choice":        choice,
		"status":        "approved",
		"approved_at":   time.Now().UTC(),
	}
	if ws.Checkpoints == nil {
		ws.Checkpoints = make(map[string]interface{})
	}
	ws.Checkpoints[checkpointID] = record
	if err := s.state.Save(r.Context(), ws); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	ws, err := s.state.Get(r.Context(), id)
	if err != nil {
		s.workflowError(w, id, err)
		return
	}
	if ws.Status == store.WorkflowRunning {
		writeError(w, http.StatusBadRequest, "workflow is running")
		return
	}
	if err := s.state.Delete(r.Context(), id); err != nil {
		s.workflowError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	status := store.WorkflowStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	summaries, err := s.state.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": summaries,
		"count":     len(summaries),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": s.manager.Models()})
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": s.manager.Roles()})
}

func (s *Server) workflowError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow "+id+" not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
