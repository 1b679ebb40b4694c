// Package diag stores the short-lived zero-yield diagnostic the discovery
// worker raises when a run keeps coming up empty.
//
// One row per topic, overwritten on every Set, gone 30 minutes after the
// last write. Operator tooling reads it to answer "why is this topic
// quiet" without trawling the audit trail.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS zero_yield (
//	    topic_key  TEXT PRIMARY KEY,
//	    status     TEXT NOT NULL,      -- ok | warning | paused
//	    attempts   INTEGER NOT NULL,
//	    reason     TEXT NOT NULL,
//	    issued_at  INTEGER NOT NULL,   -- milliseconds since epoch
//	    expires_at INTEGER NOT NULL
//	);
package diag

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/scout/keyspace"
)

// Diagnostic statuses, ordered by severity.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusPaused  = "paused"
)

// Diagnostic describes the topic's zero-yield condition.
type Diagnostic struct {
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"` // consecutive yield-less iterations
	Reason   string    `json:"reason"`
	IssuedAt time.Time `json:"issued_at"`
}

// Options configures the store.
type Options struct {
	// TTL is how long a diagnostic survives after being set.
	// Default: 30 minutes.
	TTL time.Duration
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
}

// Store is the diagnostics handle.
type Store struct {
	db   *sql.DB
	opts Options
}

// New creates a Store. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts}
}

// EnsureSchema creates the zero_yield table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS zero_yield (
			topic_key  TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			attempts   INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			issued_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	return err
}

// Set stores (or replaces) the topic's diagnostic, restarting the TTL.
func (s *Store) Set(ctx context.Context, key keyspace.Key, d Diagnostic) error {
	switch d.Status {
	case StatusOK, StatusWarning, StatusPaused:
	default:
		return fmt.Errorf("diag: invalid status %q", d.Status)
	}
	now := time.Now()
	issued := d.IssuedAt
	if issued.IsZero() {
		issued = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zero_yield (topic_key, status, attempts, reason, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic_key) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			reason = excluded.reason,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at`,
		key.String(), d.Status, d.Attempts, d.Reason,
		issued.UnixMilli(), now.Add(s.opts.TTL).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("diag: set: %w", err)
	}
	return nil
}

// Get returns the topic's diagnostic, or nil when absent or expired.
func (s *Store) Get(ctx context.Context, key keyspace.Key) (*Diagnostic, error) {
	var d Diagnostic
	var issuedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT status, attempts, reason, issued_at FROM zero_yield
		WHERE topic_key = ? AND expires_at > ?`,
		key.String(), time.Now().UnixMilli(),
	).Scan(&d.Status, &d.Attempts, &d.Reason, &issuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("diag: get: %w", err)
	}
	d.IssuedAt = time.UnixMilli(issuedAt)
	return &d, nil
}

// Clear removes the topic's diagnostic, typically after a run yields again.
func (s *Store) Clear(ctx context.Context, key keyspace.Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM zero_yield WHERE topic_key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("diag: clear: %w", err)
	}
	return nil
}

// SweepExpired physically deletes expired diagnostics.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM zero_yield WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("diag: sweep: %w", err)
	}
	return res.RowsAffected()
}
