package graph

import "time"

// Rel identifies the semantic relation of an edge. The set is closed: any
// other value fails with ErrInvalidType.
type Rel string

// Edge relations recognized by the store.
const (
	RelDependsOn Rel = "depends_on"
	RelPartOf    Rel = "part_of"
	RelImplement Rel = "implements"
	RelCites     Rel = "cites"
	RelProduces  Rel = "produces"
	RelVariantOf Rel = "variant_of"
	RelPrereq    Rel = "prereq"
)

var validRels = map[Rel]bool{
	RelDependsOn: true,
	RelPartOf:    true,
	RelImplement: true,
	RelCites:     true,
	RelProduces:  true,
	RelVariantOf: true,
	RelPrereq:    true,
}

// ValidRel reports whether r is a member of the closed edge relation set.
func ValidRel(r Rel) bool {
	return validRels[r]
}

// Edge is a versioned, typed connection between two nodes.
//
// The edge id is a deterministic function of (source, relation, target),
// so identical triples upsert: the version increments and properties merge.
// Multiple edges of different relations between the same pair are allowed.
type Edge struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Rel        Rel                    `json:"rel"`
	Target     string                 `json:"target"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Version    int                    `json:"version"`
}
