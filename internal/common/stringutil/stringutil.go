// Package stringutil bounds strings embedded in event payloads.
package stringutil

import "unicode/utf8"

// TruncateString cuts s to at most maxLen bytes. The cut never splits
// a UTF-8 sequence, so the result may be shorter than maxLen.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateStringWithEllipsis cuts s to at most maxLen bytes and marks
// the cut with a "..." suffix. Below maxLen 4 there is no room for the
// suffix and the plain truncation applies.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return TruncateString(s, maxLen-3) + "..."
}
