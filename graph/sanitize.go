package graph

import (
	"strings"
	"unicode/utf8"
)

// RedactionSentinel replaces property values whose keys match the PII set.
// It is applied before persistence and before write-ahead logging, so the
// raw value never reaches stable storage.
const RedactionSentinel = "***REDACTED***"

// MaxStringLen caps stored string values. Longer values are truncated with
// an ellipsis marker; the original is not retained.
const MaxStringLen = 1000

// piiKeys are matched as case-insensitive substrings of property keys.
var piiKeys = []string{"email", "phone", "ssn", "password", "token", "key", "api_key"}

// isPIIKey reports whether a property key matches the PII set.
func isPIIKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pii := range piiKeys {
		if strings.Contains(lower, pii) {
			return true
		}
	}
	return false
}

// SanitizeProperties returns a copy of props with PII values redacted and
// long strings truncated. Nested maps and slices are walked recursively.
// The input map is never mutated.
func SanitizeProperties(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return nil
	}
	clean := make(map[string]interface{}, len(props))
	for key, value := range props {
		if isPIIKey(key) {
			clean[key] = RedactionSentinel
			continue
		}
		clean[key] = sanitizeValue(value)
	}
	return clean
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if len(v) > MaxStringLen {
			return truncateString(v, MaxStringLen) + "..."
		}
		return v
	case map[string]interface{}:
		return SanitizeProperties(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// truncateString cuts s to at most max bytes, backing off so the cut never
// lands inside a multi-byte rune.
func truncateString(s string, max int) string {
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
