package flow

import (
	"log/slog"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders from vars. When any placeholder has no value the
// template is returned unrendered.
func Render(template string, vars map[string]string) string {
	if template == "" {
		return ""
	}
	missing := ""
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})
	if missing != "" {
		slog.Debug("Render left template unrendered", "missing", missing)
		return template
	}
	return out
}
