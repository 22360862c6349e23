// Package ledger defines the delivery ledger: the record of which webhook
// events have been taken for processing and how each one ended.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/line-gemini-relay/internal/domain"
)

// ErrNotFound is returned by Lookup for an unknown event ID.
var ErrNotFound = errors.New("delivery not found")

// Ledger guards against processing a redelivered webhook event twice.
type Ledger interface {
	// Claim marks eventID as taken. It returns false if the ID was already
	// claimed within the retention window.
	Claim(ctx context.Context, eventID string, at time.Time) (bool, error)

	// Record stores the outcome of a processed event. Deliveries without an
	// EventID are stored under their own ID.
	Record(ctx context.Context, d *domain.Delivery) error

	// Lookup returns the recorded outcome for eventID.
	Lookup(ctx context.Context, eventID string) (*domain.Delivery, error)

	Close() error
}

// Key returns the storage key for a delivery.
func Key(d *domain.Delivery) string {
	if d.EventID != "" {
		return d.EventID
	}
	return "delivery:" + d.ID
}
