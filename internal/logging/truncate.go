package logging

import "fmt"

// DefaultLogMaxLen caps backend bodies echoed into logs (1KB).
const DefaultLogMaxLen = 1024

// Truncate shortens s to maxLen bytes and notes the original size.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is Truncate with DefaultLogMaxLen for raw response bodies.
func TruncateBytes(b []byte) string {
	return Truncate(string(b), DefaultLogMaxLen)
}
