package conditions

import "strings"

// Resolve performs literal, order-independent {TOKEN} replacement.
// Unresolved tokens stay verbatim; resolution never fails.
func Resolve(content string, vars map[string]string) string {
	out := content
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
