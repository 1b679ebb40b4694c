// Package frontier implements the per-topic priority queue of fetch
// candidates, backed by SQLite.
//
// Push orders by priority (higher pops first) and enforces a hard capacity:
// inserting beyond the cap evicts the lowest-priority entries in the same
// transaction, so newly pushed high-priority work is never lost to an older
// low-priority backlog. Pop is a single DELETE ... RETURNING statement, so
// two concurrent poppers can never receive the same item.
//
// Items are opaque to the queue beyond their ordering fields.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS frontier_items (
//	    id          TEXT PRIMARY KEY,
//	    topic_key   TEXT NOT NULL,
//	    provider    TEXT NOT NULL DEFAULT '',
//	    cursor      TEXT NOT NULL DEFAULT '',
//	    priority    REAL NOT NULL DEFAULT 0,
//	    angle       TEXT NOT NULL DEFAULT '',
//	    meta_json   TEXT NOT NULL DEFAULT '{}',
//	    payload     BLOB,
//	    created_at  INTEGER NOT NULL              -- milliseconds since epoch
//	);
package frontier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/keyspace"
)

// Item is one fetch candidate.
type Item struct {
	ID        string
	Provider  string
	Cursor    string
	Priority  float64
	Angle     string
	MetaJSON  string
	Payload   []byte
	CreatedAt time.Time
}

// Options configures queue behaviour.
type Options struct {
	// Capacity is the maximum number of stored items per topic.
	// Default: 2000.
	Capacity int
	// NewID overrides the default item ID generator.
	NewID idgen.Generator
}

func (o *Options) defaults() {
	if o.Capacity <= 0 {
		o.Capacity = 2000
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("frn_", idgen.Default)
	}
}

// Queue is the frontier handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a Queue handle. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureSchema creates the frontier table and index if they don't exist.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS frontier_items (
			id          TEXT PRIMARY KEY,
			topic_key   TEXT NOT NULL,
			provider    TEXT NOT NULL DEFAULT '',
			cursor      TEXT NOT NULL DEFAULT '',
			priority    REAL NOT NULL DEFAULT 0,
			angle       TEXT NOT NULL DEFAULT '',
			meta_json   TEXT NOT NULL DEFAULT '{}',
			payload     BLOB,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_frontier_order
			ON frontier_items (topic_key, priority DESC, created_at ASC);
	`)
	return err
}

// Push inserts an item ordered by priority. If the insert grows the topic's
// queue past Capacity, the lowest-priority overflow rows are evicted in the
// same transaction.
func (q *Queue) Push(ctx context.Context, key keyspace.Key, item *Item) error {
	if item.ID == "" {
		item.ID = q.opts.NewID()
	}
	if item.MetaJSON == "" {
		item.MetaJSON = "{}"
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	return dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO frontier_items
			(id, topic_key, provider, cursor, priority, angle, meta_json, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, key.String(), item.Provider, item.Cursor, item.Priority,
			item.Angle, item.MetaJSON, item.Payload, item.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("frontier: insert: %w", err)
		}

		// Evict everything beyond the capacity, lowest priority first
		// (newest within equal priority goes first so old backlog survives
		// only if it outranks).
		_, err = tx.ExecContext(ctx, `
			DELETE FROM frontier_items
			WHERE topic_key = ? AND id NOT IN (
				SELECT id FROM frontier_items
				WHERE topic_key = ?
				ORDER BY priority DESC, created_at ASC
				LIMIT ?
			)`,
			key.String(), key.String(), q.opts.Capacity,
		)
		if err != nil {
			return fmt.Errorf("frontier: evict: %w", err)
		}
		return nil
	})
}

// Pop atomically removes and returns the highest-priority item for the
// topic (ties broken oldest first). Returns nil, nil when the queue is empty.
func (q *Queue) Pop(ctx context.Context, key keyspace.Key) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		DELETE FROM frontier_items
		WHERE id = (
			SELECT id FROM frontier_items
			WHERE topic_key = ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING id, provider, cursor, priority, angle, meta_json, payload, created_at`,
		key.String(),
	)
	return scanItem(row)
}

// Peek returns the item Pop would return next, without removing it.
// Returns nil, nil when the queue is empty.
func (q *Queue) Peek(ctx context.Context, key keyspace.Key) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, provider, cursor, priority, angle, meta_json, payload, created_at
		FROM frontier_items
		WHERE topic_key = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
		key.String(),
	)
	return scanItem(row)
}

// Size returns the number of stored items for the topic.
func (q *Queue) Size(ctx context.Context, key keyspace.Key) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frontier_items WHERE topic_key = ?`, key.String(),
	).Scan(&n)
	return n, err
}

// Clear deletes all items for the topic.
func (q *Queue) Clear(ctx context.Context, key keyspace.Key) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM frontier_items WHERE topic_key = ?`, key.String(),
	)
	return err
}

func scanItem(row *sql.Row) (*Item, error) {
	var it Item
	var creAt int64
	err := row.Scan(&it.ID, &it.Provider, &it.Cursor, &it.Priority,
		&it.Angle, &it.MetaJSON, &it.Payload, &creAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("frontier: scan: %w", err)
	}
	it.CreatedAt = time.UnixMilli(creAt)
	return &it, nil
}
