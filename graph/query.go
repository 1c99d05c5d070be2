package graph

import (
	"fmt"
	"regexp"
	"sort"
)

// MaxQueryResults caps the result size of Query.
const MaxQueryResults = 100

// queryPattern is the single supported query form:
//
//	MATCH (n:Kind)
//	MATCH (n:Kind) WHERE n.prop = $param
//
// The pattern is parsed, never interpolated: parameter values bind by name
// into the filter position and cannot alter the query structure.
var queryPattern = regexp.MustCompile(`^\s*MATCH\s+\(n:([A-Za-z]+)\)(?:\s+WHERE\s+n\.([A-Za-z_][A-Za-z0-9_]*)\s*=\s*\$([A-Za-z_][A-Za-z0-9_]*))?\s*$`)

// Query matches nodes of a kind, optionally filtered on a property equal
// to a named parameter. Results are sorted by id for determinism and
// capped at MaxQueryResults.
//
// Returns ErrBadQuery for a pattern outside the supported surface,
// ErrInvalidType for an unknown kind, and an error when the pattern names
// a parameter that is missing from params.
func (s *Store) Query(pattern string, params map[string]interface{}) ([]Node, error) {
	m := queryPattern.FindStringSubmatch(pattern)
	if m == nil {
		return nil, &StoreError{Message: "unsupported query pattern", Code: "BAD_QUERY", Cause: ErrBadQuery}
	}

	kind := Kind(m[1])
	if !ValidKind(kind) {
		return nil, &StoreError{Message: "unknown node kind in query: " + m[1], Code: "INVALID_TYPE", Cause: ErrInvalidType}
	}

	prop, paramName := m[2], m[3]
	var want interface{}
	if prop != "" {
		value, ok := params[paramName]
		if !ok {
			return nil, &StoreError{Message: "missing query parameter: " + paramName, Code: "BAD_QUERY", Cause: ErrBadQuery}
		}
		want = value
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Node
	for _, node := range s.nodes {
		if node.Kind != kind {
			continue
		}
		if prop != "" && !propEquals(node.Properties[prop], want) {
			continue
		}
		result = append(result, node)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > MaxQueryResults {
		result = result[:MaxQueryResults]
	}
	if result == nil {
		result = []Node{}
	}
	return result, nil
}

// propEquals compares a stored property against a parameter value.
// Numeric values are normalized (JSON decoding yields float64) before
// comparison; everything else compares by formatted value.
func propEquals(have, want interface{}) bool {
	if have == nil {
		return want == nil
	}
	if hf, ok := toFloat(have); ok {
		if wf, ok2 := toFloat(want); ok2 {
			return hf == wf
		}
		return false
	}
	return fmt.Sprintf("%v", have) == fmt.Sprintf("%v", want)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
