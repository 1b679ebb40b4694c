// Package runstate holds the ephemeral run coordination state for a topic:
// the active-run lease (a mutual-exclusion token with a 1-hour expiry) and
// the run mode string workers poll on every iteration.
//
// The persisted run record (status queued → live → {suspended, paused} →
// {completed, error}) lives in an external store; this package only exports
// the status constants and the transition table for callers that own it.
//
// SetActiveRun writes the lease AND mode=live in one transaction, so no
// reader ever observes a lease without a corresponding live mode;
// ClearActiveRun removes both the same way.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS active_runs (
//	    topic_key  TEXT PRIMARY KEY,
//	    run_id     TEXT NOT NULL,
//	    mode       TEXT NOT NULL,
//	    expires_at INTEGER NOT NULL     -- milliseconds since epoch
//	);
//	CREATE TABLE IF NOT EXISTS save_counters (
//	    topic_key  TEXT NOT NULL,
//	    name       TEXT NOT NULL,
//	    value      INTEGER NOT NULL DEFAULT 0,
//	    expires_at INTEGER NOT NULL,
//	    PRIMARY KEY (topic_key, name)
//	);
package runstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/keyspace"
)

// Run statuses for the externally persisted run record.
const (
	StatusQueued    = "queued"
	StatusLive      = "live"
	StatusSuspended = "suspended"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Run modes consulted by workers between iterations.
const (
	ModeLive      = "live"
	ModeSuspended = "suspended"
	ModePaused    = "paused"
)

// ErrRunActive is returned by SetActiveRun when a different run already
// holds a non-expired lease for the topic.
var ErrRunActive = errors.New("runstate: another run is active for this topic")

var transitions = map[string][]string{
	StatusQueued:    {StatusLive},
	StatusLive:      {StatusSuspended, StatusPaused, StatusCompleted, StatusError},
	StatusSuspended: {StatusLive, StatusCompleted, StatusError},
	StatusPaused:    {StatusLive, StatusCompleted, StatusError},
	// completed/error are terminal for that run id.
}

// ValidTransition reports whether a persisted run may move from one status
// to another.
func ValidTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Options configures the registry.
type Options struct {
	// LeaseTTL is the active-run lease lifetime. Default: 1 hour.
	LeaseTTL time.Duration
	// CounterTTL is the save-counter lifetime. Default: 6 hours.
	CounterTTL time.Duration
}

func (o *Options) defaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = time.Hour
	}
	if o.CounterTTL <= 0 {
		o.CounterTTL = 6 * time.Hour
	}
}

// Registry is the run lifecycle handle.
type Registry struct {
	db   *sql.DB
	opts Options
}

// New creates a Registry. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Registry {
	opts.defaults()
	return &Registry{db: db, opts: opts}
}

// EnsureSchema creates the runstate tables if they don't exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS active_runs (
			topic_key  TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			mode       TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS save_counters (
			topic_key  TEXT NOT NULL,
			name       TEXT NOT NULL,
			value      INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (topic_key, name)
		);
	`)
	return err
}

// SetActiveRun atomically stores runID as the topic's active-run lease and
// sets mode to live. Returns ErrRunActive if a different run holds a
// non-expired lease; re-asserting the same run id refreshes the lease.
func (r *Registry) SetActiveRun(ctx context.Context, key keyspace.Key, runID string) error {
	now := time.Now()
	return dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		var heldBy string
		err := tx.QueryRowContext(ctx,
			`SELECT run_id FROM active_runs WHERE topic_key = ? AND expires_at > ?`,
			key.String(), now.UnixMilli(),
		).Scan(&heldBy)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("runstate: check lease: %w", err)
		}
		if err == nil && heldBy != runID {
			return fmt.Errorf("%w: held by %s", ErrRunActive, heldBy)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO active_runs (topic_key, run_id, mode, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (topic_key) DO UPDATE SET
				run_id = excluded.run_id,
				mode = excluded.mode,
				expires_at = excluded.expires_at`,
			key.String(), runID, ModeLive, now.Add(r.opts.LeaseTTL).UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("runstate: set lease: %w", err)
		}
		return nil
	})
}

// GetActiveRun returns the topic's active run id, or "" when no lease is
// held or the lease expired.
func (r *Registry) GetActiveRun(ctx context.Context, key keyspace.Key) (string, error) {
	var runID string
	err := r.db.QueryRowContext(ctx,
		`SELECT run_id FROM active_runs WHERE topic_key = ? AND expires_at > ?`,
		key.String(), time.Now().UnixMilli(),
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("runstate: get active run: %w", err)
	}
	return runID, nil
}

// ClearActiveRun atomically deletes the lease and the mode together.
func (r *Registry) ClearActiveRun(ctx context.Context, key keyspace.Key) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM active_runs WHERE topic_key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("runstate: clear: %w", err)
	}
	return nil
}

// SetMode updates operator intent (pause/resume) independent of the lease.
// It is a no-op when no lease row exists; mode without a run is meaningless.
func (r *Registry) SetMode(ctx context.Context, key keyspace.Key, mode string) error {
	switch mode {
	case ModeLive, ModeSuspended, ModePaused:
	default:
		return fmt.Errorf("runstate: invalid mode %q", mode)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE active_runs SET mode = ? WHERE topic_key = ?`,
		mode, key.String())
	if err != nil {
		return fmt.Errorf("runstate: set mode: %w", err)
	}
	return nil
}

// GetMode returns the topic's run mode, or "" when no lease is held or the
// lease expired. Workers poll this between iterations: anything other than
// live means stop making forward progress.
func (r *Registry) GetMode(ctx context.Context, key keyspace.Key) (string, error) {
	var mode string
	err := r.db.QueryRowContext(ctx,
		`SELECT mode FROM active_runs WHERE topic_key = ? AND expires_at > ?`,
		key.String(), time.Now().UnixMilli(),
	).Scan(&mode)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("runstate: get mode: %w", err)
	}
	return mode, nil
}

// IncrCounter atomically increments a named save counter for the topic,
// refreshing the 6-hour expiry. Counters are run-level reporting, not
// correctness.
func (r *Registry) IncrCounter(ctx context.Context, key keyspace.Key, name string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO save_counters (topic_key, name, value, expires_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (topic_key, name) DO UPDATE SET
			value = value + 1,
			expires_at = excluded.expires_at`,
		key.String(), name, now.Add(r.opts.CounterTTL).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("runstate: incr counter: %w", err)
	}
	return nil
}

// Counters returns the topic's non-expired counters.
func (r *Registry) Counters(ctx context.Context, key keyspace.Key) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, value FROM save_counters
		WHERE topic_key = ? AND expires_at > ?`,
		key.String(), time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("runstate: counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("runstate: scan counter: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// SweepExpired physically deletes expired leases and counters.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	var total int64
	res, err := r.db.ExecContext(ctx, `DELETE FROM active_runs WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("runstate: sweep leases: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = r.db.ExecContext(ctx, `DELETE FROM save_counters WHERE expires_at <= ?`, now)
	if err != nil {
		return total, fmt.Errorf("runstate: sweep counters: %w", err)
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}
