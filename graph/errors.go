// Package graph provides the versioned property-graph store for knowledge
// and provenance: typed nodes and edges, bounded traversal, a small
// parameterized query surface, PII scrubbing, and write-ahead persistence.
package graph

import "errors"

// ErrInvalidType indicates a node kind or edge relation outside the closed
// enumerations. Non-retriable; surfaced to the caller.
var ErrInvalidType = errors.New("invalid type: not in closed enumeration")

// ErrMissingNode indicates an edge upsert referencing an endpoint that does
// not exist in the store. Non-retriable; surfaced to the caller.
var ErrMissingNode = errors.New("missing node: edge endpoint does not exist")

// ErrBadQuery indicates a query pattern that does not parse against the
// supported parameterized surface.
var ErrBadQuery = errors.New("bad query: pattern does not match supported form")

// StoreError wraps a graph store failure with a machine-readable code.
type StoreError struct {
	Message string
	Code    string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}
