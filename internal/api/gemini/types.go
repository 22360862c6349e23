// Package gemini provides wire types and an HTTP client for the Gemini
// generateContent API.
package gemini

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/line-gemini-relay/internal/domain"
)

// Part is a single piece of content. Only text parts are produced or consumed.
type Part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

// Content is an ordered list of parts authored by a role ("user" or "model").
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerationConfig carries optional sampling limits.
type GenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
}

// GenerateContentRequest is the body of models/{model}:generateContent.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// Candidate is one generated answer.
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
	Index        int      `json:"index"`
}

// PromptFeedback is set when the prompt itself was blocked.
type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// UsageMetadata reports token accounting for the call.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GenerateContentResponse is the non-streaming response body.
type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

// Text returns the concatenated non-thought text of the first candidate and
// whether any text part was present at all.
func (r *GenerateContentResponse) Text() (string, bool) {
	if r == nil || len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return "", false
	}
	var sb strings.Builder
	found := false
	for _, p := range r.Candidates[0].Content.Parts {
		if p.Thought || p.Text == "" {
			continue
		}
		sb.WriteString(p.Text)
		found = true
	}
	return sb.String(), found
}

// UserText builds a request with a single user turn.
func UserText(prompt string) *GenerateContentRequest {
	return &GenerateContentRequest{
		Contents: []Content{
			{Role: "user", Parts: []Part{{Text: prompt}}},
		},
	}
}

// ErrorDetail is the body of a Gemini error envelope.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ErrorResponse is the Gemini error envelope.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

// ToCanonical converts the vendor error to the relay's canonical error.
func (e *ErrorDetail) ToCanonical(httpStatus int) *domain.APIError {
	errType, code := mapStatus(e.Status, httpStatus)
	apiErr := domain.NewAPIError(errType, e.Message).
		WithStatusCode(httpStatus).
		WithSource(domain.SourceGemini)
	if code != "" {
		apiErr.WithCode(code)
	}
	return apiErr
}

// mapStatus maps google.rpc status names to domain error types.
func mapStatus(status string, httpStatus int) (domain.ErrorType, domain.ErrorCode) {
	switch status {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return domain.ErrorTypeInvalidRequest, ""
	case "UNAUTHENTICATED":
		return domain.ErrorTypeAuthentication, domain.ErrorCodeInvalidAPIKey
	case "PERMISSION_DENIED":
		return domain.ErrorTypePermission, ""
	case "NOT_FOUND":
		return domain.ErrorTypeNotFound, domain.ErrorCodeModelNotFound
	case "RESOURCE_EXHAUSTED":
		return domain.ErrorTypeRateLimit, domain.ErrorCodeRateLimitExceeded
	case "UNAVAILABLE", "DEADLINE_EXCEEDED":
		return domain.ErrorTypeOverloaded, ""
	case "INTERNAL", "UNKNOWN":
		return domain.ErrorTypeServer, ""
	}
	if httpStatus == http.StatusBadRequest && status == "" {
		return domain.ErrorTypeInvalidRequest, ""
	}
	return domain.ErrorTypeFromStatus(httpStatus), ""
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*ErrorDetail, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	return errResp.Error, nil
}
