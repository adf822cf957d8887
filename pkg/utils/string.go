package utils

import (
	"strings"
	"unicode"
)

// SanitizeString strips control characters and trims whitespace. Applied to
// caller-supplied display names before they land in an invitation.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// TruncateString truncates a string to max length.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// IsEmpty checks if string is empty or only whitespace.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
