package logging

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"short", "short log", DefaultLogMaxLen, "short log"},
		{"exact", "12345678901234567890", 20, "12345678901234567890"},
		{"long", "1234567890abcdefghij", 10, "1234567890... [truncated, 20 bytes total]"},
		{"empty", "", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.max); got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateBytes_UsesDefaultLimit(t *testing.T) {
	got := TruncateBytes([]byte(strings.Repeat("x", DefaultLogMaxLen+10)))
	if !strings.HasPrefix(got, strings.Repeat("x", DefaultLogMaxLen)+"...") {
		t.Fatalf("unexpected truncation: %q", got[DefaultLogMaxLen-5:])
	}
}
