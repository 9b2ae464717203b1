package template

import (
	"fmt"
	"regexp"

	"github.com/zjrosen/maestro/internal/log"
)

var placeholderRe = regexp.MustCompile(`\{([A-Z][A-Z0-9_]*)\}`)

// Substitute replaces every {NAME} placeholder in prompt with the string
// form of variables[NAME]. Unresolved placeholders are left verbatim and
// logged as warnings; substitution never fails.
func Substitute(prompt string, variables map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(prompt, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := variables[name]
		if !ok {
			log.Warn(log.CatTemplate, "unresolved prompt placeholder", "name", name)
			return match
		}
		return stringify(value)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing .0.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
