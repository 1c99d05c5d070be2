// Package httpapi exposes the control plane over HTTP/JSON: planning,
// budget-gated runs, workflow inspection, approvals, and catalogs.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/graphplan-go/budget"
	"github.com/dshills/graphplan-go/emit"
	"github.com/dshills/graphplan-go/plan"
	"github.com/dshills/graphplan-go/workflow"
	"github.com/dshills/graphplan-go/workflow/store"
)

// planCacheSize bounds how many prepared plans wait for a later /run.
const planCacheSize = 256

// Config wires the server's collaborators.
type Config struct {
	Planner  *plan.Planner
	Manager  *budget.Manager
	Enforcer *budget.Enforcer
	Executor *workflow.Executor
	State    store.StateStore
	Emitter  emit.Emitter

	// Registry serves /metrics. Nil uses the default Prometheus registry.
	Registry *prometheus.Registry
}

// Server is the HTTP control plane. Plans produced by POST /plan are held
// in memory so POST /run can reference them by id; they are never
// persisted.
type Server struct {
	planner  *plan.Planner
	manager  *budget.Manager
	enforcer *budget.Enforcer
	executor *workflow.Executor
	state    store.StateStore
	emitter  emit.Emitter
	registry *prometheus.Registry

	mu        sync.Mutex
	plans     map[string]*preparedPlan
	planOrder []string
}

// preparedPlan is a plan that passed through enforcement, plus the
// enforcement verdict, ready to run.
type preparedPlan struct {
	Plan   *plan.Plan
	Result budget.Result
	Role   string
}

// NewServer builds the control plane from its collaborators.
func NewServer(cfg Config) *Server {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Server{
		planner:  cfg.Planner,
		manager:  cfg.Manager,
		enforcer: cfg.Enforcer,
		executor: cfg.Executor,
		state:    cfg.State,
		emitter:  emitter,
		registry: cfg.Registry,
		plans:    make(map[string]*preparedPlan),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metricsHandler())

	r.Post("/plan", s.handlePlan)
	r.Post("/run", s.handleRun)
	r.Get("/workflows", s.handleListWorkflows)
	r.Route("/workflow/{workflowID}", func(r chi.Router) {
		r.Get("/", s.handleGetWorkflow)
		r.Post("/resume", s.handleResume)
		r.Post("/approve", s.handleApprove)
		r.Delete("/", s.handleDelete)
		r.Get("/artifacts/{artifactID}", s.handleGetArtifact)
	})
	r.Get("/models", s.handleModels)
	r.Get("/budget/roles", s.handleRoles)

	return r
}

func (s *Server) metricsHandler() http.Handler {
	if s.registry != nil {
		return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"env":    os.Getenv("APP_ENV"),
	})
}

// cachePlan remembers a prepared plan, evicting the oldest past capacity.
func (s *Server) cachePlan(p *preparedPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[p.Plan.ID]; !exists {
		s.planOrder = append(s.planOrder, p.Plan.ID)
	}
	s.plans[p.Plan.ID] = p
	for len(s.planOrder) > planCacheSize {
		evict := s.planOrder[0]
		s.planOrder = s.planOrder[1:]
		delete(s.plans, evict)
	}
}

func (s *Server) lookupPlan(id string) (*preparedPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	return p, ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
