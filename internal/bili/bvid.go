// Package bili mirrors the backend's bulk-download queue and its live log stream.
package bili

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pysugar/notedeck/internal/backend"
)

var ErrInvalidBVID = errors.New("no video id found")

var (
	bvidInURL = regexp.MustCompile(`/video/(BV[a-zA-Z0-9]+)`)
	bareBVID  = regexp.MustCompile(`^BV[a-zA-Z0-9]+$`)
)

// ParseBVID extracts the video id from a bare id or a video page URL.
func ParseBVID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", &backend.ValidationError{Field: "url", Reason: "empty"}
	}
	if strings.HasPrefix(input, "BV") {
		if !bareBVID.MatchString(input) {
			return "", fmt.Errorf("%w: %q", ErrInvalidBVID, input)
		}
		return input, nil
	}
	if m := bvidInURL.FindStringSubmatch(input); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBVID, input)
}
