// Package hosthealth tracks a per-topic reliability score for every source
// host the discovery worker fetches from.
//
// The score is an exponential moving average of fetch outcomes in [0,1].
// Consumers read low-EMA hosts to deprioritize or skip scheduling:
// score-based backpressure against chronically failing sources, without a
// hardcoded blocklist. The whole per-topic map expires 14 days after its
// last write.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS host_reliability (
//	    topic_key  TEXT NOT NULL,
//	    host       TEXT NOT NULL,
//	    ema        REAL NOT NULL,
//	    updated_at INTEGER NOT NULL,   -- milliseconds since epoch
//	    expires_at INTEGER NOT NULL,
//	    PRIMARY KEY (topic_key, host)
//	);
package hosthealth

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/scout/keyspace"
)

// Score is one host's reliability entry.
type Score struct {
	EMA       float64
	UpdatedAt time.Time
}

// Options configures the tracker.
type Options struct {
	// TTL is how long a topic's host map survives after its last write.
	// Default: 14 days.
	TTL time.Duration
	// Alpha is the EMA smoothing factor used by Observe. Default: 0.3.
	Alpha float64
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 14 * 24 * time.Hour
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = 0.3
	}
}

// Tracker is the host reliability handle.
type Tracker struct {
	db   *sql.DB
	opts Options
}

// New creates a Tracker. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Tracker {
	opts.defaults()
	return &Tracker{db: db, opts: opts}
}

// EnsureSchema creates the host_reliability table if it doesn't exist.
func (t *Tracker) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS host_reliability (
			topic_key  TEXT NOT NULL,
			host       TEXT NOT NULL,
			ema        REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (topic_key, host)
		);
	`)
	return err
}

// GetAll returns the topic's full host → score map, skipping expired rows.
func (t *Tracker) GetAll(ctx context.Context, key keyspace.Key) (map[string]Score, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT host, ema, updated_at FROM host_reliability
		WHERE topic_key = ? AND expires_at > ?`,
		key.String(), time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("hosthealth: get all: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]Score)
	for rows.Next() {
		var host string
		var ema float64
		var updAt int64
		if err := rows.Scan(&host, &ema, &updAt); err != nil {
			return nil, fmt.Errorf("hosthealth: scan: %w", err)
		}
		scores[host] = Score{EMA: ema, UpdatedAt: time.UnixMilli(updAt)}
	}
	return scores, rows.Err()
}

// Get returns one host's score, or nil when absent or expired.
func (t *Tracker) Get(ctx context.Context, key keyspace.Key, host string) (*Score, error) {
	var ema float64
	var updAt int64
	err := t.db.QueryRowContext(ctx,
		`SELECT ema, updated_at FROM host_reliability
		WHERE topic_key = ? AND host = ? AND expires_at > ?`,
		key.String(), host, time.Now().UnixMilli(),
	).Scan(&ema, &updAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hosthealth: get: %w", err)
	}
	return &Score{EMA: ema, UpdatedAt: time.UnixMilli(updAt)}, nil
}

// Set stores a host's score verbatim, refreshing the map TTL. Callers that
// compute their own EMA use this; everyone else uses Observe.
func (t *Tracker) Set(ctx context.Context, key keyspace.Key, host string, s Score) error {
	now := time.Now()
	updAt := s.UpdatedAt
	if updAt.IsZero() {
		updAt = now
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO host_reliability (topic_key, host, ema, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (topic_key, host) DO UPDATE SET
			ema = excluded.ema,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		key.String(), host, s.EMA, updAt.UnixMilli(), now.Add(t.opts.TTL).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("hosthealth: set: %w", err)
	}
	return nil
}

// Observe folds one fetch outcome into the host's EMA:
// ema' = alpha*outcome + (1-alpha)*ema. A host with no prior score is
// seeded from the outcome itself. Returns the updated EMA.
func (t *Tracker) Observe(ctx context.Context, key keyspace.Key, host string, ok bool) (float64, error) {
	outcome := 0.0
	if ok {
		outcome = 1.0
	}

	prev, err := t.Get(ctx, key, host)
	if err != nil {
		return 0, err
	}

	ema := outcome
	if prev != nil {
		ema = t.opts.Alpha*outcome + (1-t.opts.Alpha)*prev.EMA
	}

	if err := t.Set(ctx, key, host, Score{EMA: ema}); err != nil {
		return 0, err
	}
	return ema, nil
}

// SweepExpired physically deletes expired rows.
func (t *Tracker) SweepExpired(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM host_reliability WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("hosthealth: sweep: %w", err)
	}
	return res.RowsAffected()
}

// CanonicalHost reduces a URL to its registrable domain, so
// "news.example.co.uk" and "www.example.co.uk" share one score. Falls back
// to the raw hostname when the public-suffix list can't resolve it.
func CanonicalHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("hosthealth: parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("hosthealth: no host in %q", rawURL)
	}
	if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld, nil
	}
	return host, nil
}
