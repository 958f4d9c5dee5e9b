package logutil

import (
	"strings"
	"unicode"
)

// SanitizeForLog flattens user-provided strings onto one line so they cannot
// forge extra log entries. Line breaks and tabs become spaces; other control
// characters are dropped.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Truncate sanitizes s and cuts it to at most n runes, marking the cut.
// Used for remote response bodies quoted in errors and logs.
func Truncate(s string, n int) string {
	s = SanitizeForLog(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
