// Package domain holds the request-scoped types that flow through the relay
// and the canonical errors returned by the upstream clients.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidSignature is returned when a webhook body does not verify
	// against the channel secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedBody is returned when a verified webhook body cannot be
	// decoded into an event batch.
	ErrMalformedBody = errors.New("malformed webhook body")
)

// ErrorType represents the category of an upstream API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates a rejected credential.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates the credential lacks access.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a missing resource, e.g. an unknown model.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates quota or rate limiting.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the upstream is temporarily unavailable.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an upstream internal error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeInvalidAPIKey     ErrorCode = "invalid_api_key"
	ErrorCodeInvalidReplyToken ErrorCode = "invalid_reply_token"
	ErrorCodeModelNotFound     ErrorCode = "model_not_found"
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
)

// Source identifies which upstream produced an error.
type Source string

const (
	SourceGemini Source = "gemini"
	SourceLINE   Source = "line"
)

// APIError is a canonical upstream error. Both the Gemini and LINE clients
// translate their vendor error bodies into this type.
type APIError struct {
	Type       ErrorType `json:"type"`
	Code       ErrorCode `json:"code,omitempty"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Source     Source    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	prefix := string(e.Type)
	if e.Source != "" {
		prefix = string(e.Source) + " " + prefix
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", prefix, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithStatusCode records the upstream HTTP status.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithSource sets the upstream the error came from.
func (e *APIError) WithSource(src Source) *APIError {
	e.Source = src
	return e
}

// Temporary reports whether retrying the same call later could succeed.
func (e *APIError) Temporary() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeOverloaded, ErrorTypeServer:
		return true
	}
	return false
}

// ErrorTypeFromStatus maps an HTTP status to the closest error type. Clients
// use it when the vendor body does not carry a more specific category.
func ErrorTypeFromStatus(status int) ErrorType {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeInvalidRequest
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return ErrorTypePermission
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return ErrorTypeOverloaded
	default:
		return ErrorTypeServer
	}
}

// AsAPIError unwraps err into an *APIError if one is present in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
