// Package sqlite is a ledger persisted with modernc.org/sqlite, so claims
// survive restarts and redeliveries after a deploy are still recognised.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/line-gemini-relay/internal/domain"
	"github.com/tjfontaine/line-gemini-relay/internal/ledger"
)

// Store is a SQLite implementation of ledger.Ledger.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

var _ ledger.Ledger = (*Store)(nil)

// New opens (and if needed creates) the database at dbPath. Claims older
// than ttl are purged on the next Claim; a zero ttl keeps them forever.
func New(dbPath string, ttl time.Duration) (*Store, error) {
	if !strings.HasPrefix(dbPath, "file:") && dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, ttl: ttl}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			event_key TEXT PRIMARY KEY,
			claimed_at INTEGER NOT NULL,
			id TEXT,
			request_id TEXT,
			source_id TEXT,
			status TEXT,
			model TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			temporary INTEGER NOT NULL DEFAULT 0,
			received_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_claimed ON deliveries(claimed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Claim(ctx context.Context, eventID string, at time.Time) (bool, error) {
	if s.ttl > 0 {
		cutoff := at.Add(-s.ttl).UnixMilli()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE claimed_at < ?`, cutoff); err != nil {
			return false, fmt.Errorf("failed to purge expired claims: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (event_key, claimed_at) VALUES (?, ?)
		 ON CONFLICT(event_key) DO NOTHING`,
		eventID, at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Record(ctx context.Context, d *domain.Delivery) error {
	query := `INSERT INTO deliveries (
			event_key, claimed_at, id, request_id, source_id, status, model,
			prompt_tokens, completion_tokens, total_tokens, error_message, temporary, received_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_key) DO UPDATE SET
			id = excluded.id,
			request_id = excluded.request_id,
			source_id = excluded.source_id,
			status = excluded.status,
			model = excluded.model,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			error_message = excluded.error_message,
			temporary = excluded.temporary,
			received_at = excluded.received_at,
			completed_at = excluded.completed_at`

	_, err := s.db.ExecContext(ctx, query,
		ledger.Key(d), d.ReceivedAt.UnixMilli(), d.ID, d.RequestID, d.SourceID, string(d.Status), d.Model,
		d.Usage.PromptTokens, d.Usage.CompletionTokens, d.Usage.TotalTokens, d.Error, d.Temporary,
		d.ReceivedAt.UnixMilli(), d.CompletedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, eventID string) (*domain.Delivery, error) {
	query := `SELECT event_key, id, request_id, source_id, status, model,
	                 prompt_tokens, completion_tokens, total_tokens, error_message, temporary, received_at, completed_at
	          FROM deliveries WHERE event_key = ? AND status IS NOT NULL`

	var (
		key                     string
		id, requestID, sourceID sql.NullString
		status, model, errMsg   sql.NullString
		receivedAt, completedAt sql.NullInt64
		d                       domain.Delivery
	)
	err := s.db.QueryRowContext(ctx, query, eventID).Scan(
		&key, &id, &requestID, &sourceID, &status, &model,
		&d.Usage.PromptTokens, &d.Usage.CompletionTokens, &d.Usage.TotalTokens, &errMsg, &d.Temporary,
		&receivedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}

	if !strings.HasPrefix(key, "delivery:") {
		d.EventID = key
	}
	d.ID = id.String
	d.RequestID = requestID.String
	d.SourceID = sourceID.String
	d.Status = domain.DeliveryStatus(status.String)
	d.Model = model.String
	d.Error = errMsg.String
	if receivedAt.Valid {
		d.ReceivedAt = time.UnixMilli(receivedAt.Int64)
	}
	if completedAt.Valid {
		d.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	return &d, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
