package plan

import (
	"errors"
	"fmt"
)

// Plan-wide limits. Plans exceeding them fail validation outright;
// estimate clamping during planning keeps well-formed plans under the
// token and time ceilings.
const (
	MaxTasks  = 20
	MaxTokens = 50000
	MaxTimeS  = 300
)

// ErrValidation tags all plan validation failures.
var ErrValidation = errors.New("plan validation failed")

// ValidationError carries the individual findings of a failed validation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %d problem(s): %v", len(e.Problems), e.Problems)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validate checks the structural invariants of a plan:
//
//   - the dependency graph (edges plus per-task dependencies) is acyclic
//   - at most MaxTasks tasks
//   - total estimated tokens within MaxTokens
//   - total estimated time within MaxTimeS
//   - every dependency and edge endpoint references an existing task
//   - every task type is canonical
//
// Returns (true, nil) when valid, else (false, problems).
func Validate(p *Plan) (bool, []string) {
	var problems []string

	if len(p.Tasks) > MaxTasks {
		problems = append(problems, fmt.Sprintf("too many tasks: %d > %d", len(p.Tasks), MaxTasks))
	}
	if p.TotalEstimatedTokens > MaxTokens {
		problems = append(problems, fmt.Sprintf("estimated tokens %d exceed limit %d", p.TotalEstimatedTokens, MaxTokens))
	}
	if p.TotalEstimatedTimeS > MaxTimeS {
		problems = append(problems, fmt.Sprintf("estimated time %.1fs exceeds limit %ds", p.TotalEstimatedTimeS, MaxTimeS))
	}

	known := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		known[t.ID] = true
		if !ValidTaskType(t.Type) {
			problems = append(problems, fmt.Sprintf("task %s has invalid type %q", t.ID, t.Type))
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if !known[dep] {
				problems = append(problems, fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
		}
	}
	for _, e := range p.Edges {
		if !known[e.Src] || !known[e.Dst] {
			problems = append(problems, fmt.Sprintf("edge (%s -> %s) references unknown task", e.Src, e.Dst))
		}
	}

	if cyclePath := findCycle(p); cyclePath != "" {
		problems = append(problems, "dependency cycle detected: "+cyclePath)
	}

	return len(problems) == 0, problems
}

// ValidateErr is Validate returning a ValidationError instead of a list.
func ValidateErr(p *Plan) error {
	if ok, problems := Validate(p); !ok {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// DFS colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current path
	colorBlack        // fully explored
)

// findCycle runs a three-color depth-first search over the combined
// dependency relation (task.Dependencies plus plan edges, both oriented
// dependency -> dependent) and returns a description of the first cycle
// found, or "".
func findCycle(p *Plan) string {
	adj := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			adj[dep] = append(adj[dep], t.ID)
		}
	}
	for _, e := range p.Edges {
		adj[e.Src] = append(adj[e.Src], e.Dst)
	}

	color := make(map[string]int, len(p.Tasks))
	var cycle string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = colorGray
		path = append(path, id)
		for _, next := range adj[id] {
			switch color[next] {
			case colorGray:
				cycle = fmt.Sprintf("%v -> %s", path, next)
				return true
			case colorWhite:
				if visit(next, path) {
					return true
				}
			}
		}
		color[id] = colorBlack
		return false
	}

	for _, t := range p.Tasks {
		if color[t.ID] == colorWhite {
			if visit(t.ID, nil) {
				return cycle
			}
		}
	}
	return ""
}
