package graph

import "time"

// Kind identifies the semantic type of a node. The set is closed: any
// other value fails with ErrInvalidType.
type Kind string

// Node kinds recognized by the store.
const (
	KindRule      Kind = "Rule"
	KindConcept   Kind = "Concept"
	KindProcedure Kind = "Procedure"
	KindStep      Kind = "Step"
	KindEntity    Kind = "Entity"
	KindSourceDoc Kind = "SourceDoc"
	KindArtifact  Kind = "Artifact"
	KindDecision  Kind = "Decision"
)

var validKinds = map[Kind]bool{
	KindRule:      true,
	KindConcept:   true,
	KindProcedure: true,
	KindStep:      true,
	KindEntity:    true,
	KindSourceDoc: true,
	KindArtifact:  true,
	KindDecision:  true,
}

// ValidKind reports whether k is a member of the closed node kind set.
func ValidKind(k Kind) bool {
	return validKinds[k]
}

// Node is a versioned property-graph vertex.
//
// IDs are caller-supplied but must be content-derivable (a stable hash of
// canonical text, see ContentID) so repeated builds produce identical
// graphs. Version starts at 1 and increases monotonically on every upsert.
type Node struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Version    int                    `json:"version"`
}

// PropString returns the named property as a string, or "" when absent or
// not a string. The core inspects only a handful of well-known keys
// (name, description, page, section, step_number, chunk_id); everything
// else is opaque payload.
func (n Node) PropString(key string) string {
	if n.Properties == nil {
		return ""
	}
	if s, ok := n.Properties[key].(string); ok {
		return s
	}
	return ""
}

// PropInt returns the named property as an int. JSON round-trips store
// numbers as float64, so both representations are accepted.
func (n Node) PropInt(key string, fallback int) int {
	if n.Properties == nil {
		return fallback
	}
	switch v := n.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
