package domain

import "time"

// EventKind is the platform-level category of a webhook event.
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindFollow  EventKind = "follow"
	EventKindOther   EventKind = "other"
)

// MessageKind is the content category of a message event.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindOther MessageKind = "other"
)

// Event is one platform occurrence from a verified webhook delivery.
// Only Kind == EventKindMessage with MessageKind == MessageKindText is
// relayed; everything else is carried so it can be logged and skipped.
type Event struct {
	// ID is the platform's webhook event ID. It is stable across
	// redeliveries and may be empty for synthetic events.
	ID          string
	Kind        EventKind
	RawType     string
	MessageKind MessageKind
	MessageID   string
	Text        string
	ReplyToken  string
	SourceType  string
	SourceID    string
	Redelivery  bool
	Timestamp   time.Time
}

// IsTextMessage reports whether the event should be relayed to the AI.
func (e Event) IsTextMessage() bool {
	return e.Kind == EventKindMessage && e.MessageKind == MessageKindText
}

// EventBatch is the ordered set of events delivered in one webhook call.
type EventBatch struct {
	Destination string
	Events      []Event
}

// Len returns the number of events in the batch.
func (b *EventBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Events)
}

// Usage is token accounting reported by the completion service.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the AI service's answer to a prompt. Text is nil when the
// service answered but produced no text, e.g. when a candidate was blocked.
type Completion struct {
	Text         *string
	Model        string
	FinishReason string
	BlockReason  string
	Usage        Usage
}

// HasText reports whether the completion carries a non-empty reply.
func (c *Completion) HasText() bool {
	return c != nil && c.Text != nil && *c.Text != ""
}

// DeliveryStatus is the terminal outcome of relaying one text event.
type DeliveryStatus string

const (
	DeliveryReplied          DeliveryStatus = "replied"
	DeliveryFallback         DeliveryStatus = "fallback"
	DeliveryCompletionFailed DeliveryStatus = "completion_failed"
	DeliveryReplyFailed      DeliveryStatus = "reply_failed"
)

// Delivery is the record the ledger keeps for a processed text event.
type Delivery struct {
	ID        string
	EventID   string
	RequestID string
	SourceID  string
	Status    DeliveryStatus
	Model     string
	Usage     Usage
	Error     string
	// Temporary is set when Error came from an upstream failure worth retrying
	// later (rate limit, overload, server error).
	Temporary   bool
	ReceivedAt  time.Time
	CompletedAt time.Time
}
