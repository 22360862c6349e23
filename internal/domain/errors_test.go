package domain

import (
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "rate_limit (rate_limit_exceeded): rate limited",
		},
		{
			name:     "with source",
			err:      NewAPIError(ErrorTypeInvalidRequest, "Invalid reply token").WithSource(SourceLINE).WithCode(ErrorCodeInvalidReplyToken),
			expected: "line invalid_request (invalid_reply_token): Invalid reply token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorTypeFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{http.StatusBadRequest, ErrorTypeInvalidRequest},
		{http.StatusUnauthorized, ErrorTypeAuthentication},
		{http.StatusForbidden, ErrorTypePermission},
		{http.StatusNotFound, ErrorTypeNotFound},
		{http.StatusTooManyRequests, ErrorTypeRateLimit},
		{http.StatusServiceUnavailable, ErrorTypeOverloaded},
		{http.StatusInternalServerError, ErrorTypeServer},
	}

	for _, tt := range tests {
		if got := ErrorTypeFromStatus(tt.status); got != tt.want {
			t.Errorf("ErrorTypeFromStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestAPIError_Temporary(t *testing.T) {
	if !NewAPIError(ErrorTypeOverloaded, "busy").Temporary() {
		t.Error("overloaded should be temporary")
	}
	if NewAPIError(ErrorTypeAuthentication, "bad key").Temporary() {
		t.Error("authentication should not be temporary")
	}
}

func TestAsAPIError(t *testing.T) {
	wrapped := fmt.Errorf("reply: %w", NewAPIError(ErrorTypeServer, "boom"))
	apiErr, ok := AsAPIError(wrapped)
	if !ok {
		t.Fatal("expected APIError in chain")
	}
	if apiErr.Message != "boom" {
		t.Errorf("Message = %q, want boom", apiErr.Message)
	}

	if _, ok := AsAPIError(ErrMalformedBody); ok {
		t.Error("sentinel error should not unwrap to APIError")
	}
}

func TestCompletion_HasText(t *testing.T) {
	empty := ""
	hello := "hello"

	tests := []struct {
		name string
		c    *Completion
		want bool
	}{
		{"nil completion", nil, false},
		{"nil text", &Completion{}, false},
		{"empty text", &Completion{Text: &empty}, false},
		{"text", &Completion{Text: &hello}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.HasText(); got != tt.want {
				t.Errorf("HasText() = %v, want %v", got, tt.want)
			}
		})
	}
}
