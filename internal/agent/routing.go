package agent

import (
	"regexp"
	"strings"
)

// heavyPromptChars routes prompts at least this long to the heavy model.
const heavyPromptChars = 1200

// reasoningKeywords route a prompt to the heavy model regardless of length.
var reasoningKeywords = regexp.MustCompile(`(?i)\b(architect|refactor|design|prove|debug|investigate|analy[sz]e|optimi[sz]e|migrate|concurrenc)`)

// PickModel chooses the claude model for a prompt: heavy for long or
// reasoning-flavored prompts, light otherwise.
func PickModel(prompt, light, heavy string) string {
	if heavy == "" {
		return light
	}
	if light == "" {
		return heavy
	}
	if len(prompt) >= heavyPromptChars || reasoningKeywords.MatchString(prompt) {
		return heavy
	}
	if strings.TrimSpace(prompt) == "" {
		return light
	}
	return light
}
