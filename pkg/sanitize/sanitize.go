// Package sanitize scrubs free-form text before it is stored in audit
// details. It is defence-in-depth only; every SQL statement in this codebase
// uses bound parameters regardless.
package sanitize

import (
	"regexp"
	"strings"
)

const maxTextLen = 2000

var (
	sqlFragment = regexp.MustCompile(`(?i);\s*(DROP|DELETE|UPDATE|INSERT|CREATE|ALTER|EXEC|EXECUTE)`)
	scriptTag   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	shellMeta   = regexp.MustCompile("[;&|`$]")
)

// Text removes injection-shaped fragments from s: chained SQL statements,
// script tags, shell metacharacters, path traversal sequences and NUL bytes.
// The result is capped at 2000 characters.
func Text(s string) string {
	s = sqlFragment.ReplaceAllString(s, "")
	s = scriptTag.ReplaceAllString(s, "")
	s = shellMeta.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "../", "")
	s = strings.ReplaceAll(s, `..\`, "")
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxTextLen {
		s = s[:maxTextLen]
	}
	return s
}

// Details applies Text to every string value in a details map, returning a
// new map. Non-string values pass through unchanged.
func Details(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	clean := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			clean[k] = Text(s)
		} else {
			clean[k] = v
		}
	}
	return clean
}
