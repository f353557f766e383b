// Package security provides validation, sanitization, and limits for the importflow module.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/importflow/pkg/core"
)

// Limits and configuration
const (
	// MinBatchSize and MaxBatchSize bound the per-job batch size.
	MinBatchSize = 1
	MaxBatchSize = 10

	// DefaultBatchSize is used when the job and environment specify nothing.
	DefaultBatchSize = 5

	// MaxWaveWorkers is the concurrency ceiling for within-batch file
	// operations (classification and import waves).
	MaxWaveWorkers = 4

	// MaxMessageLength is the maximum length for stored log messages.
	MaxMessageLength = 4096
)

// validJobID matches the fixed job-id format: 32 lowercase hex characters.
var validJobID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ValidateJobID validates a job id.
func ValidateJobID(id string) error {
	if !validJobID.MatchString(id) {
		return core.ErrInvalidJobID
	}
	return nil
}

// SanitizeMessage truncates and sanitizes log messages for storage.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxMessageLength-3]) + "..."
	}

	return result
}

// ClampBatchSize ensures a batch size is within limits, substituting the
// fallback for out-of-range or unset values of zero.
func ClampBatchSize(n, fallback int) int {
	if n == 0 {
		n = fallback
	}
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// ClampWaveWorkers bounds the worker count for a concurrent wave of n tasks.
func ClampWaveWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxWaveWorkers {
		return MaxWaveWorkers
	}
	return n
}
