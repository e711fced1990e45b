package workflow

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// RenderPrompt substitutes {key} placeholders from vars. Unknown keys stay
// as literals, so a template never fails to render.
func RenderPrompt(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.Trim(match, "{}")

		if value, ok := vars[key]; ok {
			return value
		}

		return match
	})
}
