package common

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var nameUnsafeChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

// TimeoutContext creates a context with timeout, or a plain cancelable
// context when timeout is not positive
func TimeoutContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// SafeClose closes a closer and logs any error
func SafeClose(closer interface{ Close() error }, name string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn().Err(err).Str("component", name).Msg("Failed to close")
	}
}

// CoalesceString returns the first non-empty string from the provided strings
func CoalesceString(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// TruncateString truncates a string to a maximum length
func TruncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}

// StringValue dereferences an optional string
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr returns a pointer to s, or nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SanitizeName lowercases s and replaces characters that are not valid in
// a container name
func SanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nameUnsafeChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-.")
}

// MergeStringMaps merges multiple string maps, with later maps overriding earlier ones
func MergeStringMaps(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
