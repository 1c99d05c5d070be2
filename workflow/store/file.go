package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a filesystem StateStore. Layout:
//
//	<dir>/workflows/<safe_workflow_id>.json
//	<dir>/artifacts/<safe_workflow_id>/<safe_artifact_id>.json
//
// Writes go through a temp file and rename so readers never observe a torn
// state file. Per-store operations are serialized with a single mutex; the
// write volume of a workflow run does not justify finer locking.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"workflows", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) workflowPath(id string) string {
	return filepath.Join(f.dir, "workflows", SafeName(id)+".json")
}

func (f *FileStore) artifactDir(workflowID string) string {
	return filepath.Join(f.dir, "artifacts", SafeName(workflowID))
}

func (f *FileStore) artifactPath(workflowID, artifactID string) string {
	return filepath.Join(f.artifactDir(workflowID), SafeName(artifactID)+".json")
}

// Save implements StateStore.
func (f *FileStore) Save(ctx context.Context, ws *WorkflowState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", ws.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return writeAtomic(f.workflowPath(ws.ID), data)
}

// Get implements StateStore.
func (f *FileStore) Get(ctx context.Context, id string) (*WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(f.workflowPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", id, err)
	}
	var ws WorkflowState
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &ws, nil
}

// List implements StateStore.
func (f *FileStore) List(ctx context.Context, status WorkflowStatus, limit int) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(filepath.Join(f.dir, "workflows"))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, "workflows", entry.Name()))
		if err != nil {
			continue
		}
		var ws WorkflowState
		if err := json.Unmarshal(data, &ws); err != nil {
			// Tolerate a corrupt file rather than failing the whole listing.
			continue
		}
		if status != "" && ws.Status != status {
			continue
		}
		summaries = append(summaries, summarize(&ws))
	}
	return sortSummaries(summaries, limit), nil
}

// Delete implements StateStore. The workflow file and its artifact subtree
// are removed together.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	path := f.workflowPath(id)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if err := os.RemoveAll(f.artifactDir(id)); err != nil {
		return fmt.Errorf("delete artifacts for %s: %w", id, err)
	}
	return nil
}

// SaveArtifact implements StateStore.
func (f *FileStore) SaveArtifact(ctx context.Context, artifact Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", artifact.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := os.MkdirAll(f.artifactDir(artifact.WorkflowID), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return writeAtomic(f.artifactPath(artifact.WorkflowID, artifact.ID), data)
}

// GetArtifact implements StateStore. The flat artifact id does not encode
// the safe directory, so the workflow segment is parsed out of the logical
// id.
func (f *FileStore) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Artifact{}, ErrClosed
	}
	// artifact:<workflow>:<task>:<ts>-<seq>; scan directories when the id
	// does not parse.
	if parts := strings.Split(id, ":"); len(parts) >= 4 {
		workflowID := parts[1]
		artifact, err := f.readArtifact(f.artifactPath(workflowID, id))
		if err == nil {
			return artifact, nil
		}
	}
	dirs, err := os.ReadDir(filepath.Join(f.dir, "artifacts"))
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		path := filepath.Join(f.dir, "artifacts", dir.Name(), SafeName(id)+".json")
		if artifact, err := f.readArtifact(path); err == nil {
			return artifact, nil
		}
	}
	return Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
}

// GetArtifacts implements StateStore.
func (f *FileStore) GetArtifacts(ctx context.Context, workflowID string) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(f.artifactDir(workflowID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", workflowID, err)
	}

	out := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		artifact, err := f.readArtifact(filepath.Join(f.artifactDir(workflowID), entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, artifact)
	}
	sortArtifacts(out)
	return out, nil
}

// Close implements StateStore.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FileStore) readArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, err
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
