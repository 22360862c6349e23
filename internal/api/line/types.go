// Package line provides wire types, webhook verification and a reply client
// for the LINE Messaging API.
package line

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/line-gemini-relay/internal/domain"
)

// CallbackRequest is the webhook envelope.
type CallbackRequest struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is a webhook event. Fields not used by the relay are omitted.
type Event struct {
	Type            string           `json:"type"`
	Mode            string           `json:"mode,omitempty"`
	Timestamp       int64            `json:"timestamp"`
	WebhookEventID  string           `json:"webhookEventId"`
	DeliveryContext *DeliveryContext `json:"deliveryContext,omitempty"`
	ReplyToken      string           `json:"replyToken,omitempty"`
	Source          *Source          `json:"source,omitempty"`
	Message         *Message         `json:"message,omitempty"`
}

// DeliveryContext tells whether the event is a redelivery.
type DeliveryContext struct {
	IsRedelivery bool `json:"isRedelivery"`
}

// Source identifies who triggered the event.
type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

// ID returns the most specific conversation identifier of the source.
func (s *Source) ID() string {
	if s == nil {
		return ""
	}
	switch s.Type {
	case "group":
		return s.GroupID
	case "room":
		return s.RoomID
	}
	return s.UserID
}

// Message is the message object of a message event.
type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextMessage is an outbound text message.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextMessage builds an outbound text message.
func NewTextMessage(text string) TextMessage {
	return TextMessage{Type: "text", Text: text}
}

// ReplyMessageRequest is the body of /v2/bot/message/reply.
type ReplyMessageRequest struct {
	ReplyToken           string        `json:"replyToken"`
	Messages             []TextMessage `json:"messages"`
	NotificationDisabled bool          `json:"notificationDisabled,omitempty"`
}

// ErrorDetail is an entry of ErrorResponse.Details.
type ErrorDetail struct {
	Message  string `json:"message"`
	Property string `json:"property"`
}

// ErrorResponse is the Messaging API error body.
type ErrorResponse struct {
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// ToCanonical converts the vendor error to the relay's canonical error.
func (e *ErrorResponse) ToCanonical(httpStatus int) *domain.APIError {
	msg := e.Message
	for _, d := range e.Details {
		msg += "; " + d.Property + ": " + d.Message
	}
	apiErr := domain.NewAPIError(domain.ErrorTypeFromStatus(httpStatus), msg).
		WithStatusCode(httpStatus).
		WithSource(domain.SourceLINE)

	switch {
	case httpStatus == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Message), "reply token"):
		apiErr.WithCode(domain.ErrorCodeInvalidReplyToken)
	case httpStatus == http.StatusUnauthorized:
		apiErr.WithCode(domain.ErrorCodeInvalidAPIKey)
	case httpStatus == http.StatusTooManyRequests:
		apiErr.WithCode(domain.ErrorCodeRateLimitExceeded)
	}
	return apiErr
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*ErrorResponse, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Message == "" {
		return nil, nil
	}
	return &errResp, nil
}
