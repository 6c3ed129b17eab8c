// Package stringutils holds the small string-normalization helpers the MCP
// tool handlers share, rather than each handler reinventing its own blank-
// argument check.
package stringutils

import (
	"strings"
	"unicode"
)

// TrimAll strips every Unicode whitespace rune from s, not just leading and
// trailing runs — useful for collapsing a user-typed name or tag down to
// its non-whitespace content before comparing or hashing it.
func TrimAll(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsEmpty reports whether s has no non-whitespace content, the guard every
// required-string tool argument (workspace name, tool name, ...) runs
// through before it's accepted.
func IsEmpty(s string) bool {
	return TrimAll(s) == ""
}
