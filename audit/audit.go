// Package audit keeps a per-topic, append-only, capacity-capped trail of
// pipeline decisions.
//
// Append inserts at the head (newest first) and trims beyond the cap in the
// same transaction; Page reads a contiguous range starting at an offset
// from the newest entry. Entries are opaque JSON: decision events from the
// discovery worker carry a tagged Kind, anything else passes through as an
// arbitrary blob. A stored entry that no longer deserializes is surfaced as
// {Raw: <original string>} instead of failing the page read.
//
// AppendAsync buffers writes so the hot pipeline path never blocks on the
// trail; Close flushes the buffer.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS audit_events (
//	    topic_key  TEXT NOT NULL,
//	    seq        INTEGER NOT NULL,    -- monotonic per topic
//	    payload    TEXT NOT NULL,
//	    created_at INTEGER NOT NULL,    -- milliseconds since epoch
//	    PRIMARY KEY (topic_key, seq)
//	);
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/keyspace"
)

// Event is one deserialized trail entry. Exactly one of Data or Raw is set:
// Raw carries the original string when the stored payload is not valid JSON.
type Event struct {
	Data json.RawMessage `json:"data,omitempty"`
	Raw  string          `json:"raw,omitempty"`
}

// PageResult is one page of the trail, newest first.
type PageResult struct {
	Items      []Event `json:"items"`
	NextOffset int     `json:"next_offset"`
	HasMore    bool    `json:"has_more"`
}

// Options configures the trail.
type Options struct {
	// Cap is the maximum retained entries per topic; oldest dropped first.
	// Default: 2000.
	Cap int
	// AsyncBuffer is the AppendAsync channel depth. Default: 256.
	AsyncBuffer int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Cap <= 0 {
		o.Cap = 2000
	}
	if o.AsyncBuffer <= 0 {
		o.AsyncBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Trail is the audit handle.
type Trail struct {
	db   *sql.DB
	opts Options

	asyncCh   chan asyncEntry
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	closed    chan struct{}
}

type asyncEntry struct {
	key   keyspace.Key
	event any
}

// New creates a Trail. Call EnsureSchema once at startup, and Close before
// shutdown if AppendAsync was used.
func New(db *sql.DB, opts Options) *Trail {
	opts.defaults()
	return &Trail{
		db:      db,
		opts:    opts,
		asyncCh: make(chan asyncEntry, opts.AsyncBuffer),
		closed:  make(chan struct{}),
	}
}

// EnsureSchema creates the audit table if it doesn't exist.
func (t *Trail) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			topic_key  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (topic_key, seq)
		);
	`)
	return err
}

// Append serializes event and inserts it at the head of the topic's trail,
// trimming entries beyond the cap in the same transaction.
func (t *Trail) Append(ctx context.Context, key keyspace.Key, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, t.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_events (topic_key, seq, payload, created_at)
			VALUES (?, COALESCE((SELECT MAX(seq) FROM audit_events WHERE topic_key = ?), 0) + 1, ?, ?)`,
			key.String(), key.String(), string(payload), now,
		); err != nil {
			return fmt.Errorf("audit: insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM audit_events
			WHERE topic_key = ? AND seq <= (
				SELECT MAX(seq) - ? FROM audit_events WHERE topic_key = ?
			)`,
			key.String(), t.opts.Cap, key.String(),
		); err != nil {
			return fmt.Errorf("audit: trim: %w", err)
		}
		return nil
	})
}

// AppendAsync queues event for a background write. Never blocks: when the
// buffer is full the event is dropped and logged. The trail is advisory;
// losing an entry under pressure beats stalling the pipeline.
func (t *Trail) AppendAsync(key keyspace.Key, event any) {
	select {
	case <-t.closed:
		t.opts.Logger.Warn("audit: append after close, dropping event", "topic_key", key.String())
		return
	default:
	}
	t.startOnce.Do(t.startWriter)
	select {
	case t.asyncCh <- asyncEntry{key: key, event: event}:
	default:
		t.opts.Logger.Warn("audit: async buffer full, dropping event", "topic_key", key.String())
	}
}

// Close flushes pending async writes. Idempotent, and safe to call when
// AppendAsync was never used.
func (t *Trail) Close() error {
	t.closeOnce.Do(func() {
		t.startOnce.Do(t.startWriter)
		close(t.closed)
		t.wg.Wait()
	})
	return nil
}

func (t *Trail) startWriter() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case e := <-t.asyncCh:
				t.writeAsync(e)
			case <-t.closed:
				// Drain what's buffered, then stop.
				for {
					select {
					case e := <-t.asyncCh:
						t.writeAsync(e)
					default:
						return
					}
				}
			}
		}
	}()
}

func (t *Trail) writeAsync(e asyncEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Append(ctx, e.key, e.event); err != nil {
		t.opts.Logger.Warn("audit: async append failed", "topic_key", e.key.String(), "error", err)
	}
}

// Page reads limit entries starting offset entries from the newest.
// Malformed payloads come back as Event{Raw: ...}.
func (t *Trail) Page(ctx context.Context, key keyspace.Key, offset, limit int) (*PageResult, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE topic_key = ?`, key.String(),
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("audit: count: %w", err)
	}

	rows, err := t.db.QueryContext(ctx,
		`SELECT payload FROM audit_events
		WHERE topic_key = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`,
		key.String(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: page: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if json.Valid([]byte(payload)) {
			items = append(items, Event{Data: json.RawMessage(payload)})
		} else {
			items = append(items, Event{Raw: payload})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PageResult{
		Items:      items,
		NextOffset: offset + len(items),
		HasMore:    offset+len(items) < total,
	}, nil
}
