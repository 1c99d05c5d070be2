package plan

import "strings"

// FilteredMarker replaces dangerous substrings in task descriptions
// before they are embedded in prompts or parameters.
const FilteredMarker = "[filtered]"

// dangerousSubstrings is the closed set of injection-shaped fragments
// scrubbed from free text that flows into prompts.
var dangerousSubstrings = []string{
	"rm -rf",
	"cat /etc",
	"<script>",
	"</script>",
	"eval(",
	"system(",
	"exec(",
	"&&",
	"||",
}

// SanitizeText replaces each dangerous substring with FilteredMarker.
// Matching is case-insensitive; replacement preserves surrounding text.
func SanitizeText(text string) string {
	result := text
	for _, bad := range dangerousSubstrings {
		for {
			idx := strings.Index(strings.ToLower(result), bad)
			if idx < 0 {
				break
			}
			result = result[:idx] + FilteredMarker + result[idx+len(bad):]
		}
	}
	return result
}
