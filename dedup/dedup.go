// Package dedup provides the two advisory duplicate filters used by the
// discovery worker: an exact seen-URL set with TTL expiry, and a
// near-duplicate detector comparing 64-bit SimHash fingerprints by Hamming
// distance over a bounded recent window.
//
// Both structures are best-effort noise reduction. A false negative lets one
// duplicate through; a false positive discards one candidate. Neither
// affects correctness, so callers may treat store errors as "not seen" /
// "not duplicate" and move on.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS seen_urls (
//	    topic_key  TEXT NOT NULL,
//	    url        TEXT NOT NULL,
//	    expires_at INTEGER NOT NULL,   -- milliseconds since epoch
//	    PRIMARY KEY (topic_key, url)
//	);
//	CREATE TABLE IF NOT EXISTS fingerprints (
//	    topic_key   TEXT NOT NULL,
//	    fp          INTEGER NOT NULL,
//	    inserted_at INTEGER NOT NULL
//	);
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"math/bits"
	"time"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/keyspace"
)

// Options configures the detector.
type Options struct {
	// SeenTTL is how long a marked URL stays in the seen set.
	// Default: 30 days.
	SeenTTL time.Duration
	// Window is the number of recent fingerprints retained per topic.
	// Default: 1000.
	Window int
	// Threshold is the maximum Hamming distance at which two fingerprints
	// count as near-duplicates. Default: 7.
	Threshold int
}

func (o *Options) defaults() {
	if o.SeenTTL <= 0 {
		o.SeenTTL = 30 * 24 * time.Hour
	}
	if o.Window <= 0 {
		o.Window = 1000
	}
	if o.Threshold <= 0 {
		o.Threshold = 7
	}
}

// Detector is the dedup handle.
type Detector struct {
	db   *sql.DB
	opts Options
}

// New creates a Detector. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Detector {
	opts.defaults()
	return &Detector{db: db, opts: opts}
}

// EnsureSchema creates the dedup tables and indexes if they don't exist.
func (d *Detector) EnsureSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seen_urls (
			topic_key  TEXT NOT NULL,
			url        TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (topic_key, url)
		);
		CREATE TABLE IF NOT EXISTS fingerprints (
			topic_key   TEXT NOT NULL,
			fp          INTEGER NOT NULL,
			inserted_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fingerprints_window
			ON fingerprints (topic_key, inserted_at DESC);
	`)
	return err
}

// IsSeen reports whether url is in the topic's seen set and not expired.
func (d *Detector) IsSeen(ctx context.Context, key keyspace.Key, url string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_urls
		WHERE topic_key = ? AND url = ? AND expires_at > ?`,
		key.String(), url, time.Now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup: is seen: %w", err)
	}
	return n > 0, nil
}

// MarkSeen adds url to the topic's seen set. Re-marking an existing URL
// refreshes its TTL.
func (d *Detector) MarkSeen(ctx context.Context, key keyspace.Key, url string) error {
	expires := time.Now().Add(d.opts.SeenTTL).UnixMilli()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO seen_urls (topic_key, url, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (topic_key, url) DO UPDATE SET expires_at = excluded.expires_at`,
		key.String(), url, expires,
	)
	if err != nil {
		return fmt.Errorf("dedup: mark seen: %w", err)
	}
	return nil
}

// IsNearDuplicate scans the topic's recent fingerprint window and reports
// whether any stored fingerprint is within the Hamming threshold of fp.
// O(window) per call; acceptable because the window is bounded and checks
// are rare next to fetch latency.
func (d *Detector) IsNearDuplicate(ctx context.Context, key keyspace.Key, fp uint64) (bool, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT fp FROM fingerprints
		WHERE topic_key = ?
		ORDER BY inserted_at DESC
		LIMIT ?`,
		key.String(), d.opts.Window,
	)
	if err != nil {
		return false, fmt.Errorf("dedup: load window: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stored int64
		if err := rows.Scan(&stored); err != nil {
			return false, fmt.Errorf("dedup: scan fingerprint: %w", err)
		}
		if Hamming(uint64(stored), fp) <= d.opts.Threshold {
			return true, nil
		}
	}
	return false, rows.Err()
}

// MarkFingerprint stores fp and trims the topic's window down to the most
// recent Window entries, oldest pruned first, in one transaction.
func (d *Detector) MarkFingerprint(ctx context.Context, key keyspace.Key, fp uint64) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, d.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprints (topic_key, fp, inserted_at) VALUES (?, ?, ?)`,
			key.String(), int64(fp), now,
		); err != nil {
			return fmt.Errorf("dedup: insert fingerprint: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM fingerprints
			WHERE topic_key = ? AND rowid NOT IN (
				SELECT rowid FROM fingerprints
				WHERE topic_key = ?
				ORDER BY inserted_at DESC, rowid DESC
				LIMIT ?
			)`,
			key.String(), key.String(), d.opts.Window,
		)
		if err != nil {
			return fmt.Errorf("dedup: trim window: %w", err)
		}
		return nil
	})
}

// SweepExpired physically deletes expired seen-URL rows. Readers already
// ignore them; this just reclaims space. Returns the number of rows removed.
func (d *Detector) SweepExpired(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM seen_urls WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("dedup: sweep: %w", err)
	}
	return res.RowsAffected()
}

// Hamming returns the Hamming distance between two 64-bit fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
