package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file StateStore for development and
// single-process deployments. WAL mode keeps reads concurrent with the
// executor's writes.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL,
			goal TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			state TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_started ON workflows(started_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_workflow ON artifacts(workflow_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements StateStore.
func (s *SQLiteStore) Save(ctx context.Context, ws *WorkflowState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", ws.ID, err)
	}

	query := `
		INSERT INTO workflows (id, status, goal, started_at, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			goal = excluded.goal,
			started_at = excluded.started_at,
			state = excluded.state
	`
	if _, err := s.db.ExecContext(ctx, query, ws.ID, string(ws.Status), ws.Goal, ws.StartedAt, string(data)); err != nil {
		return fmt.Errorf("save workflow %s: %w", ws.ID, err)
	}
	return nil
}

// Get implements StateStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*WorkflowState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM workflows WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var ws WorkflowState
	if err := json.Unmarshal([]byte(data), &ws); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &ws, nil
}

// List implements StateStore.
func (s *SQLiteStore) List(ctx context.Context, status WorkflowStatus, limit int) ([]Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT state FROM workflows`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var ws WorkflowState
		if err := json.Unmarshal([]byte(data), &ws); err != nil {
			continue
		}
		summaries = append(summaries, summarize(&ws))
	}
	return summaries, rows.Err()
}

// Delete implements StateStore. The workflow row and its artifacts are
// removed in one transaction.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete artifacts for %s: %w", id, err)
	}
	return tx.Commit()
}

// SaveArtifact implements StateStore.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, artifact Artifact) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(artifact.Data)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", artifact.ID, err)
	}

	query := `
		INSERT INTO artifacts (id, workflow_id, task_id, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, artifact.ID, artifact.WorkflowID, artifact.TaskID, artifact.CreatedAt, string(data)); err != nil {
		return fmt.Errorf("save artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// GetArtifact implements StateStore.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	if err := s.checkOpen(); err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{ID: id}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, task_id, created_at, data FROM artifacts WHERE id = ?`, id,
	).Scan(&artifact.WorkflowID, &artifact.TaskID, &artifact.CreatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("load artifact %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), &artifact.Data); err != nil {
		return Artifact{}, fmt.Errorf("unmarshal artifact %s: %w", id, err)
	}
	return artifact, nil
}

// GetArtifacts implements StateStore.
func (s *SQLiteStore) GetArtifacts(ctx context.Context, workflowID string) ([]Artifact, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, created_at, data FROM artifacts WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		artifact := Artifact{WorkflowID: workflowID}
		var data string
		if err := rows.Scan(&artifact.ID, &artifact.TaskID, &artifact.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &artifact.Data); err != nil {
			continue
		}
		out = append(out, artifact)
	}
	return out, rows.Err()
}

// Close implements StateStore.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
