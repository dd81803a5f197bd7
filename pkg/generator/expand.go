package generator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// varPattern matches ${NAME} and ${NAME:-default}. $${ escapes a literal ${.
var varPattern = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Expand replaces ${NAME} references in text with values from params.
// References without a value and without a default are reported together.
func Expand(text string, params map[string]string) (string, error) {
	missing := make(map[string]bool)

	out := varPattern.ReplaceAllStringFunc(text, func(ref string) string {
		if strings.HasPrefix(ref, "$$") {
			return ref[1:]
		}

		m := varPattern.FindStringSubmatch(ref)
		name := m[1]
		if v, ok := params[name]; ok {
			return v
		}
		if strings.Contains(ref, ":-") {
			return m[2]
		}
		missing[name] = true
		return ref
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("undefined parameters: %s", strings.Join(names, ", "))
	}
	return out, nil
}
