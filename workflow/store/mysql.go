package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB StateStore for deployments where several
// processes share workflow state. Connection pooling and transactions
// follow the usual database/sql discipline.
//
// The DSN should include parseTime=true so DATETIME columns scan into
// time.Time:
//
//	user:pass@tcp(localhost:3306)/graphplan?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a pooled connection and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	workflows := `
		CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			goal TEXT NOT NULL,
			started_at DATETIME(6) NOT NULL,
			state JSON NOT NULL,
			INDEX idx_workflows_status (status),
			INDEX idx_workflows_started (started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, workflows); err != nil {
		return fmt.Errorf("create workflows table: %w", err)
	}

	artifacts := `
		CREATE TABLE IF NOT EXISTS artifacts (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			task_id VARCHAR(255) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			data JSON NOT NULL,
			INDEX idx_artifacts_workflow (workflow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, artifacts); err != nil {
		return fmt.Errorf("create artifacts table: %w", err)
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements StateStore.
func (s *MySQLStore) Save(ctx context.Context, ws *WorkflowState) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			goal = VALUES(goal),
			started_at = VALUES(started_at),
			state = VALUES(state)
	`
	if _, err := s.db.ExecContext(ctx, query, ws.ID, string(ws.Status), ws.Goal, ws.StartedAt, string(data)); err != nil {
		return fmt.Errorf("save workflow %s: %w", ws.ID, err)
	}
	return nil
}

// Get implements StateStore.
func (s *MySQLStore) Get(ctx context.Context, id string) (*WorkflowState, error) {
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
func (s *MySQLStore) List(ctx context.Context, status WorkflowStatus, limit int) ([]Summary, error) {
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

// Delete implements StateStore.
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
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

// SaveArtifact implements StateStore. Artifacts are write-once; replays of
// the same id are ignored.
func (s *MySQLStore) SaveArtifact(ctx context.Context, artifact Artifact) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(artifact.Data)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", artifact.ID, err)
	}

	query := `
		INSERT IGNORE INTO artifacts (id, workflow_id, task_id, created_at, data)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, artifact.ID, artifact.WorkflowID, artifact.TaskID, artifact.CreatedAt, string(data)); err != nil {
		return fmt.Errorf("save artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// GetArtifact implements StateStore.
func (s *MySQLStore) GetArtifact(ctx context.Context, id string) (Artifact, error) {
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
func (s *MySQLStore) GetArtifacts(ctx context.Context, workflowID string) ([]Artifact, error) {
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
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
