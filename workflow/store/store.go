package store

import (
	"context"
	"errors"
	"regexp"
	"sort"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the workflow or artifact id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// StateStore persists workflow state and artifacts.
//
// Operations on distinct workflow ids are independent; operations on the
// same id are serialized by the backend. Artifacts are write-once.
type StateStore interface {
	// Save persists the full workflow state, replacing any prior version.
	Save(ctx context.Context, ws *WorkflowState) error

	// Get loads a workflow by id. Returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*WorkflowState, error)

	// List returns summaries, newest started first, optionally filtered by
	// status. limit <= 0 means no limit.
	List(ctx context.Context, status WorkflowStatus, limit int) ([]Summary, error)

	// Delete removes a workflow and all of its artifacts.
	Delete(ctx context.Context, id string) error

	// SaveArtifact stores a write-once task output and returns its record.
	SaveArtifact(ctx context.Context, artifact Artifact) error

	// GetArtifact loads one artifact by id.
	GetArtifact(ctx context.Context, id string) (Artifact, error)

	// GetArtifacts loads every artifact belonging to a workflow, oldest
	// first.
	GetArtifacts(ctx context.Context, workflowID string) ([]Artifact, error)

	// Close releases backend resources.
	Close() error
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeName maps a logical id onto a filesystem-safe path segment. Logical
// ids keep their original form inside payloads; only path segments are
// rewritten.
func SafeName(id string) string {
	return unsafePathChars.ReplaceAllString(id, "_")
}

// sortArtifacts orders oldest first with id as tiebreaker.
func sortArtifacts(artifacts []Artifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
		}
		return artifacts[i].ID < artifacts[j].ID
	})
}

// sortSummaries orders newest started first with id as tiebreaker, then
// applies the limit.
func sortSummaries(summaries []Summary, limit int) []Summary {
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].StartedAt.After(summaries[j].StartedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries
}
