// Package util holds small logging helpers shared across packages.
package util

import "fmt"

// TruncateLog caps long remote response bodies in log lines and error
// messages while keeping enough of the payload for diagnostics.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// MaskToken hides all but the tail of an access token so log output
// never leaks a usable credential.
func MaskToken(t string) string {
	if len(t) < 20 {
		return t
	}
	return "..." + t[len(t)-12:]
}
