// Package main provides the graphpland binary: the graph-centered
// workflow engine served over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dshills/graphplan-go/budget"
	"github.com/dshills/graphplan-go/emit"
	"github.com/dshills/graphplan-go/graph"
	"github.com/dshills/graphplan-go/httpapi"
	"github.com/dshills/graphplan-go/model"
	"github.com/dshills/graphplan-go/model/anthropic"
	"github.com/dshills/graphplan-go/model/google"
	"github.com/dshills/graphplan-go/model/openai"
	"github.com/dshills/graphplan-go/plan"
	"github.com/dshills/graphplan-go/tool"
	"github.com/dshills/graphplan-go/workflow"
	"github.com/dshills/graphplan-go/workflow/store"
)

const (
	version = "0.1.0"
	appName = "graphpland"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serveOptions struct {
	addr         string
	dataDir      string
	budgetPolicy string
	stateBackend string
	stateDSN     string
	maxParallel  int
	taskTimeout  time.Duration
	jsonLogs     bool
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Graph-centered workflow engine",
		Long: `graphpland plans goals against a knowledge graph, enforces
per-role budgets, and executes the resulting task DAGs with bounded
parallelism, retries, and durable resumable state.`,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, version)
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "./data", "Directory for graph and workflow state")
	cmd.Flags().StringVar(&opts.budgetPolicy, "budget-policy", "", "YAML budget policy file (hot-reloaded)")
	cmd.Flags().StringVar(&opts.stateBackend, "state-backend", "file", "Workflow state backend: memory, file, sqlite, mysql")
	cmd.Flags().StringVar(&opts.stateDSN, "state-dsn", "", "DSN for the mysql state backend")
	cmd.Flags().IntVar(&opts.maxParallel, "max-parallel", workflow.DefaultMaxParallel, "Concurrent task cap per workflow")
	cmd.Flags().DurationVar(&opts.taskTimeout, "task-timeout", 0, "Per-attempt task timeout (0 disables)")
	cmd.Flags().BoolVar(&opts.jsonLogs, "json-logs", false, "Emit events as JSON lines")

	return cmd
}

func serve(ctx context.Context, opts serveOptions) error {
	emitter := emit.NewLogEmitter(os.Stderr, opts.jsonLogs)

	gstore, err := graph.NewStore(filepath.Join(opts.dataDir, "graph"), emitter)
	if err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}

	manager, err := budget.NewManager(opts.budgetPolicy, emitter)
	if err != nil {
		return fmt.Errorf("load budget policy: %w", err)
	}
	if opts.budgetPolicy != "" {
		if err := manager.Watch(); err != nil {
			return fmt.Errorf("watch budget policy: %w", err)
		}
		defer manager.Close()
	}

	state, err := openStateStore(opts)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	chat, err := chatModelFromEnv(ctx)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()

	executor := workflow.NewExecutor(state, tool.NewBuiltinRegistry(gstore, chat), emitter)
	executor.MaxParallel = opts.maxParallel
	executor.TaskTimeout = opts.taskTimeout
	executor.SetMetrics(workflow.NewMetrics(registry))

	server := httpapi.NewServer(httpapi.Config{
		Planner:  plan.NewPlanner(gstore, emitter),
		Manager:  manager,
		Enforcer: budget.NewEnforcer(manager, emitter),
		Executor: executor,
		State:    state,
		Emitter:  emitter,
		Registry: registry,
	})

	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "%s listening on %s\n", appName, opts.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStateStore(opts serveOptions) (store.StateStore, error) {
	switch opts.stateBackend {
	case "memory":
		return store.NewMemStore(), nil
	case "file":
		return store.NewFileStore(filepath.Join(opts.dataDir, "workflows"))
	case "sqlite":
		return store.NewSQLiteStore(filepath.Join(opts.dataDir, "workflows.db"))
	case "mysql":
		if opts.stateDSN == "" {
			return nil, errors.New("mysql backend requires --state-dsn")
		}
		return store.NewMySQLStore(opts.stateDSN)
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.stateBackend)
	}
}

// chatModelFromEnv picks the LLM provider from whichever API key is set,
// preferring Anthropic, then OpenAI, then Google. With no key configured
// the llm tool runs against a mock so the engine stays usable offline.
func chatModelFromEnv(ctx context.Context) (model.ChatModel, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return anthropic.NewChatModel(key, os.Getenv("ANTHROPIC_MODEL")), nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return openai.NewChatModel(key, os.Getenv("OPENAI_MODEL")), nil
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		return google.NewChatModel(ctx, key, os.Getenv("GOOGLE_MODEL"))
	}
	fmt.Fprintln(os.Stderr, "warning: no LLM API key configured, llm tool returns canned output")
	return &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "no LLM provider configured"},
	}}, nil
}
