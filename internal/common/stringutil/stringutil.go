// Package stringutil provides common string utility functions.
package stringutil

import (
	"regexp"
	"strings"
)

var slugSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a lowercase identifier segment from s: runs of characters
// outside [a-z0-9] collapse to a single "-", leading and trailing "-" are
// trimmed, and the result is truncated to maxLen bytes. When the result is
// empty, fallback is returned instead. Truncation happens after trimming, so
// a truncated slug may end in "-"; callers relying on exact suffixes (session
// naming) depend on this order.
func Slug(s, fallback string, maxLen int) string {
	slug := strings.ToLower(s)
	slug = slugSeparators.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if maxLen > 0 && len(slug) > maxLen {
		slug = slug[:maxLen]
	}
	if slug == "" {
		return fallback
	}
	return slug
}

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first maxLen characters.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first (maxLen-3) characters followed by "...".
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
