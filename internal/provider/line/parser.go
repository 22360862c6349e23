// Package line adapts the LINE Messaging API to the relay's Parser and
// Replier collaborators.
package line

import (
	"time"

	lineapi "github.com/tjfontaine/line-gemini-relay/internal/api/line"
	"github.com/tjfontaine/line-gemini-relay/internal/domain"
)

// Parser verifies webhook bodies with the channel secret and converts them
// into domain events.
type Parser struct {
	channelSecret string
}

// NewParser creates a parser bound to channelSecret.
func NewParser(channelSecret string) *Parser {
	return &Parser{channelSecret: channelSecret}
}

// VerifyAndParse checks signature against body and decodes the batch. Errors
// wrap domain.ErrInvalidSignature or domain.ErrMalformedBody.
func (p *Parser) VerifyAndParse(body []byte, signature string) (*domain.EventBatch, error) {
	cb, err := lineapi.ParseCallback(p.channelSecret, signature, body)
	if err != nil {
		return nil, err
	}

	batch := &domain.EventBatch{
		Destination: cb.Destination,
		Events:      make([]domain.Event, 0, len(cb.Events)),
	}
	for _, e := range cb.Events {
		batch.Events = append(batch.Events, toDomainEvent(e))
	}
	return batch, nil
}

func toDomainEvent(e lineapi.Event) domain.Event {
	evt := domain.Event{
		ID:          e.WebhookEventID,
		RawType:     e.Type,
		ReplyToken:  e.ReplyToken,
		Kind:        domain.EventKindOther,
		MessageKind: domain.MessageKindOther,
	}
	if e.Timestamp > 0 {
		evt.Timestamp = time.UnixMilli(e.Timestamp)
	}
	if e.DeliveryContext != nil {
		evt.Redelivery = e.DeliveryContext.IsRedelivery
	}
	if e.Source != nil {
		evt.SourceType = e.Source.Type
		evt.SourceID = e.Source.ID()
	}

	switch e.Type {
	case "message":
		evt.Kind = domain.EventKindMessage
	case "follow":
		evt.Kind = domain.EventKindFollow
	}

	if e.Message != nil {
		evt.MessageID = e.Message.ID
		if e.Message.Type == "text" {
			evt.MessageKind = domain.MessageKindText
			evt.Text = e.Message.Text
		}
	}
	return evt
}
