package errors

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(ErrCodeInvalidCredentials, "credentials are missing keys"),
			expected: "INVALID_CREDENTIALS: credentials are missing keys",
		},
		{
			name:     "error with cause",
			err:      Wrap(errors.New("connection refused"), ErrCodeDatabaseConnection, "failed to connect to database"),
			expected: "DATABASE_CONNECTION: failed to connect to database: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_MatchesThroughWrapping(t *testing.T) {
	sentinel := New(ErrCodeSessionActive, "session already active")
	wrapped := fmt.Errorf("start u1: %w", sentinel)

	assert.True(t, errors.Is(wrapped, sentinel))
	assert.Equal(t, ErrCodeSessionActive, GetCode(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeSessionActive))
	assert.False(t, HasCode(nil, ErrCodeSessionActive))
	assert.False(t, errors.Is(wrapped, New(ErrCodeSessionActive, "other message")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(WrapRetryable(errors.New("busy"), ErrCodeDatabaseQuery, "locked")))
	assert.False(t, IsRetryable(Wrap(errors.New("bad"), ErrCodeDatabaseQuery, "syntax")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: 500, retryable: true},
		{status: 503, retryable: true},
		{status: 429, retryable: true},
		{status: 408, retryable: true},
		{status: 404, retryable: false},
		{status: 400, retryable: false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			err := NewAPIError("/api/sendText", tt.status, errors.New("failed"))
			assert.Equal(t, ErrCodeChatAPI, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.status, err.Context["status_code"])
		})
	}
}

func TestGetUserMessage(t *testing.T) {
	assert.Equal(t, "Authentication failed", GetUserMessage(NewAuthError("bad key")))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("boom")))
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	err := NewSessionError(ErrCodeSessionNotFound, "u1", "no session")
	logger.LogError(err, "Lookup failed", logrus.Fields{"operation": "status"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "SESSION_NOT_FOUND", entry["error_code"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "status", entry["operation"])
	assert.Equal(t, "Lookup failed", entry["msg"])
}

func TestLogger_LogRetryableError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	logger.LogRetryableError(WrapRetryable(errors.New("locked"), ErrCodeDatabaseQuery, "busy"), "Retrying")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, true, entry["retryable"])
}
