package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory StateStore for tests and ephemeral runs. All
// data is lost on process exit. Safe for concurrent use.
type MemStore struct {
	mu        sync.RWMutex
	workflows map[string]json.RawMessage
	artifacts map[string]Artifact
	byWF      map[string][]string
	closed    bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]json.RawMessage),
		artifacts: make(map[string]Artifact),
		byWF:      make(map[string][]string),
	}
}

// Save implements StateStore. State is stored as a JSON copy so later
// mutations by the caller do not leak in.
func (m *MemStore) Save(ctx context.Context, ws *WorkflowState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", ws.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.workflows[ws.ID] = data
	return nil
}

// Get implements StateStore.
func (m *MemStore) Get(ctx context.Context, id string) (*WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	var ws WorkflowState
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &ws, nil
}

// List implements StateStore.
func (m *MemStore) List(ctx context.Context, status WorkflowStatus, limit int) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	summaries := make([]Summary, 0, len(m.workflows))
	for id, data := range m.workflows {
		var ws WorkflowState
		if err := json.Unmarshal(data, &ws); err != nil {
			return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
		}
		if status != "" && ws.Status != status {
			continue
		}
		summaries = append(summaries, summarize(&ws))
	}
	return sortSummaries(summaries, limit), nil
}

// Delete implements StateStore. Artifacts belonging to the workflow are
// removed with it.
func (m *MemStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.workflows[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	delete(m.workflows, id)
	for _, artifactID := range m.byWF[id] {
		delete(m.artifacts, artifactID)
	}
	delete(m.byWF, id)
	return nil
}

// SaveArtifact implements StateStore.
func (m *MemStore) SaveArtifact(ctx context.Context, artifact Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.artifacts[artifact.ID] = artifact
	m.byWF[artifact.WorkflowID] = append(m.byWF[artifact.WorkflowID], artifact.ID)
	return nil
}

// GetArtifact implements StateStore.
func (m *MemStore) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Artifact{}, ErrClosed
	}
	artifact, ok := m.artifacts[id]
	if !ok {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return artifact, nil
}

// GetArtifacts implements StateStore.
func (m *MemStore) GetArtifacts(ctx context.Context, workflowID string) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ids := m.byWF[workflowID]
	out := make([]Artifact, 0, len(ids))
	for _, id := range ids {
		if artifact, ok := m.artifacts[id]; ok {
			out = append(out, artifact)
		}
	}
	sortArtifacts(out)
	return out, nil
}

// Close implements StateStore.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
