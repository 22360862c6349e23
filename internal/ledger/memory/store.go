// Package memory is an in-process ledger. Claims do not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/line-gemini-relay/internal/domain"
	"github.com/tjfontaine/line-gemini-relay/internal/ledger"
)

type entry struct {
	claimedAt time.Time
	delivery  *domain.Delivery
}

// Store keeps claims for ttl after they were made.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*entry
}

var _ ledger.Ledger = (*Store)(nil)

// New creates an in-memory ledger. A zero ttl keeps claims forever.
func New(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

func (s *Store) Claim(ctx context.Context, eventID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(at)

	if _, exists := s.entries[eventID]; exists {
		return false, nil
	}
	s.entries[eventID] = &entry{claimedAt: at}
	return true, nil
}

func (s *Store) Record(ctx context.Context, d *domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledger.Key(d)
	cp := *d
	e, exists := s.entries[key]
	if !exists {
		e = &entry{claimedAt: d.ReceivedAt}
		s.entries[key] = e
	}
	e.delivery = &cp
	return nil
}

func (s *Store) Lookup(ctx context.Context, eventID string) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[eventID]
	if !exists || e.delivery == nil {
		return nil, ledger.ErrNotFound
	}
	cp := *e.delivery
	return &cp, nil
}

func (s *Store) Close() error {
	return nil
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) pruneLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	cutoff := now.Add(-s.ttl)
	for id, e := range s.entries {
		if e.claimedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}
