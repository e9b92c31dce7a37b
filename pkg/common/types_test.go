package common

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSandboxError_IsMatchesByCode(t *testing.T) {
	err := NewSandboxError(ErrCodeConcurrentInstanceLimit, "You already have an active instance running: web-easy", "")

	assert.True(t, errors.Is(err, ErrConcurrentInstanceLimit))
	assert.False(t, errors.Is(err, ErrCapacityExceeded))

	wrapped := fmt.Errorf("spawn: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConcurrentInstanceLimit))
	assert.Equal(t, ErrCodeConcurrentInstanceLimit, CodeOf(wrapped))
}

func TestSandboxError_CauseIsNotPublic(t *testing.T) {
	cause := errors.New("Error response from daemon: driver failed programming external connectivity")
	err := WrapSandboxError(ErrCodeDeployFailed, "failed to deploy challenge", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "driver failed")
	assert.Equal(t, "failed to deploy challenge", PublicMessage(err))
	assert.Equal(t, "internal error", PublicMessage(cause))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code     string
		expected int
	}{
		{ErrCodeUnknownChallenge, http.StatusNotFound},
		{ErrCodePolicyDenied, http.StatusBadRequest},
		{ErrCodeConcurrentInstanceLimit, http.StatusConflict},
		{ErrCodeCapacityExceeded, http.StatusTooManyRequests},
		{ErrCodeNoPortsAvailable, http.StatusServiceUnavailable},
		{ErrCodeRuntimeUnavailable, http.StatusServiceUnavailable},
		{ErrCodeDeployFailed, http.StatusInternalServerError},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeInvalidRequest, http.StatusBadRequest},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.code))
		})
	}
}

func TestCodeOf_Unstructured(t *testing.T) {
	assert.Equal(t, ErrCodeInternalError, CodeOf(errors.New("boom")))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "web-easy", SanitizeName("Web Easy"))
	assert.Equal(t, "team_1", SanitizeName("team_1"))
	assert.Equal(t, "a-b", SanitizeName("--a/b--"))
}

func TestStringHelpers(t *testing.T) {
	assert.Nil(t, StringPtr(""))
	assert.Equal(t, "u1", StringValue(StringPtr("u1")))
	assert.Equal(t, "", StringValue(nil))
	assert.Equal(t, "b", CoalesceString("", "b", "c"))
	assert.Equal(t, "abc...", TruncateString("abcdefghij", 6))

	merged := MergeStringMaps(map[string]string{"a": "1", "b": "1"}, map[string]string{"b": "2"})
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged)
}
