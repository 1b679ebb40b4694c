// Package feedq is the durable, idempotent queue that turns accepted
// content into agent memory.
//
// Every item is keyed by (topic_key, content_id, content_hash): the same
// triple is never stored twice and never produces a second memory record.
// Items move PENDING → PROCESSING → {DONE, FAILED}; a FAILED item with
// attempts remaining returns to PENDING on its next claim. There is no
// per-item lease: a PROCESSING row orphaned by a crashed worker is
// returned to PENDING by ReclaimStalled after a timeout.
//
// Retries carry no explicit delay: a requeued item is simply picked up by
// the next batch scan, so periodic callers get de facto backoff from their
// scan interval.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS feed_queue (
//	    id           TEXT PRIMARY KEY,
//	    topic_key    TEXT NOT NULL,
//	    content_id   TEXT NOT NULL,
//	    content_hash TEXT NOT NULL,
//	    priority     REAL NOT NULL DEFAULT 0,
//	    status       TEXT NOT NULL DEFAULT 'PENDING',
//	    attempts     INTEGER NOT NULL DEFAULT 0,
//	    last_error   TEXT NOT NULL DEFAULT '',
//	    enqueued_at  INTEGER NOT NULL,   -- milliseconds since epoch
//	    picked_at    INTEGER NOT NULL DEFAULT 0,
//	    UNIQUE (topic_key, content_id, content_hash)
//	);
package feedq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/keyspace"
	"github.com/hazyhaar/scout/pack"
)

// Item statuses.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// ErrNotFound is returned by ProcessOne for an unknown item id.
var ErrNotFound = errors.New("feedq: item not found")

// EnqueueResult says what Enqueue did.
type EnqueueResult string

const (
	// EnqueueOK means a new item was stored.
	EnqueueOK EnqueueResult = "ok"
	// EnqueueDuplicate means an item with the same triple already exists.
	EnqueueDuplicate EnqueueResult = "duplicate"
	// EnqueueAlreadyProcessed means a memory for the triple already exists,
	// so nothing was stored.
	EnqueueAlreadyProcessed EnqueueResult = "already_processed"
)

// ProcessResult says how ProcessOne resolved an item.
type ProcessResult string

const (
	// ProcessDone means the item reached DONE (including idempotent no-ops
	// where the memory already existed).
	ProcessDone ProcessResult = "done"
	// ProcessFailed means the item is FAILED, terminally or pending retry.
	ProcessFailed ProcessResult = "failed"
	// ProcessSkipped means the item needed no work: already DONE, retry
	// budget exhausted, or claimed by another worker.
	ProcessSkipped ProcessResult = "skipped"
)

// Memory is one idempotent memory record.
type Memory struct {
	TopicKey    keyspace.Key
	ContentID   string
	ContentHash string
	Content     string
}

// IngestResult is an agent's answer to an ingestion call.
type IngestResult struct {
	Success         bool
	MemoriesCreated int
	Error           string
}

// ContentStore loads raw content for packing. A nil Raw means the content
// record disappeared.
type ContentStore interface {
	Load(ctx context.Context, key keyspace.Key, contentID string) (*pack.Raw, error)
}

// Agent is one memory-ingesting consumer.
type Agent interface {
	Ingest(ctx context.Context, m Memory) (IngestResult, error)
}

// AgentDirectory resolves the agents subscribed to a topic.
type AgentDirectory interface {
	AgentsForTopic(ctx context.Context, key keyspace.Key) ([]Agent, error)
}

// MemoryStore persists memory records, enforcing uniqueness on
// (topic_key, content_id, content_hash).
type MemoryStore interface {
	Exists(ctx context.Context, key keyspace.Key, contentID, contentHash string) (bool, error)
	Create(ctx context.Context, m Memory) error
}

// Options configures the queue.
type Options struct {
	// MaxAttempts bounds retries per item. Default: 3.
	MaxAttempts int
	// MinTextBytes is the quality gate on full-text length. Default: 100.
	MinTextBytes int
	// MinRelevance gates on the relevance score when > 0. Default: 0
	// (disabled).
	MinRelevance float64
	// Concurrency bounds ProcessBatch workers. Default: 4.
	Concurrency int
	// NewID generates item ids. Default: UUIDv7 with "fq_" prefix.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MinTextBytes <= 0 {
		o.MinTextBytes = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("fq_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// BatchStats aggregates one ProcessBatch call.
type BatchStats struct {
	Processed int
	Failed    int
	Skipped   int
}

// Queue is the feed queue handle.
type Queue struct {
	db       *sql.DB
	opts     Options
	content  ContentStore
	agents   AgentDirectory
	memories MemoryStore
	packer   *pack.Packer
}

// New creates a Queue. Call EnsureSchema once at startup.
func New(db *sql.DB, content ContentStore, agents AgentDirectory, memories MemoryStore, packer *pack.Packer, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		db:       db,
		opts:     opts,
		content:  content,
		agents:   agents,
		memories: memories,
		packer:   packer,
	}
}

// EnsureSchema creates the feed_queue table if it doesn't exist.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS feed_queue (
			id           TEXT PRIMARY KEY,
			topic_key    TEXT NOT NULL,
			content_id   TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			priority     REAL NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			enqueued_at  INTEGER NOT NULL,
			picked_at    INTEGER NOT NULL DEFAULT 0,
			UNIQUE (topic_key, content_id, content_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_feed_queue_scan
			ON feed_queue (status, priority DESC, enqueued_at ASC);
	`)
	return err
}

// Enqueue stores a new item for the triple unless it already exists or its
// memory was already created.
func (q *Queue) Enqueue(ctx context.Context, key keyspace.Key, contentID, contentHash string, priority float64) (EnqueueResult, error) {
	exists, err := q.memories.Exists(ctx, key, contentID, contentHash)
	if err != nil {
		return "", fmt.Errorf("feedq: memory check: %w", err)
	}
	if exists {
		return EnqueueAlreadyProcessed, nil
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO feed_queue (id, topic_key, content_id, content_hash, priority, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic_key, content_id, content_hash) DO NOTHING`,
		q.opts.NewID(), key.String(), contentID, contentHash, priority,
		StatusPending, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("feedq: enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("feedq: enqueue rows: %w", err)
	}
	if n == 0 {
		return EnqueueDuplicate, nil
	}
	return EnqueueOK, nil
}

// ProcessOne drives a single item through the gates to DONE or FAILED.
//
// Idempotent and race-safe: an item already DONE is a successful no-op, an
// exhausted FAILED item is skipped, and the claim is a single conditional
// UPDATE so a concurrent worker loses cleanly. Quality-gate rejections and
// missing agent configuration are terminal FAILED, never retried; anything
// unexpected requeues to PENDING while attempts remain.
func (q *Queue) ProcessOne(ctx context.Context, itemID string) (ProcessResult, error) {
	var (
		status   string
		attempts int
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT status, attempts FROM feed_queue WHERE id = ?`, itemID,
	).Scan(&status, &attempts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("feedq: read item: %w", err)
	}

	if status == StatusDone {
		return ProcessSkipped, nil
	}
	if status == StatusFailed && attempts >= q.opts.MaxAttempts {
		return ProcessSkipped, nil
	}

	// Claim: conditional single-statement update, so at most one worker
	// moves the item to PROCESSING.
	var (
		topicKey    string
		contentID   string
		contentHash string
	)
	err = q.db.QueryRowContext(ctx,
		`UPDATE feed_queue
		SET status = ?, attempts = attempts + 1, picked_at = ?
		WHERE id = ? AND status IN (?, ?)
		RETURNING topic_key, content_id, content_hash, attempts`,
		StatusProcessing, time.Now().UnixMilli(), itemID, StatusPending, StatusFailed,
	).Scan(&topicKey, &contentID, &contentHash, &attempts)
	if err == sql.ErrNoRows {
		// Another worker holds it, or it resolved since the read.
		return ProcessSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("feedq: claim: %w", err)
	}

	key, err := keyspace.Parse(topicKey)
	if err != nil {
		return q.failTerminal(ctx, itemID, fmt.Sprintf("bad topic key: %v", err))
	}

	raw, err := q.content.Load(ctx, key, contentID)
	if err != nil {
		return q.requeue(ctx, itemID, attempts, fmt.Errorf("load content: %w", err))
	}
	if raw == nil {
		return q.failTerminal(ctx, itemID, fmt.Sprintf("content %s not found", contentID))
	}

	// Quality gates. Rejection disqualifies the content itself, so these
	// are terminal rather than retried.
	if got := len(raw.FullText); got < q.opts.MinTextBytes {
		return q.failTerminal(ctx, itemID,
			fmt.Sprintf("text too short: got %d bytes, want at least %d bytes", got, q.opts.MinTextBytes))
	}
	if q.opts.MinRelevance > 0 && raw.Relevance < q.opts.MinRelevance {
		return q.failTerminal(ctx, itemID,
			fmt.Sprintf("relevance %.2f below threshold %.2f", raw.Relevance, q.opts.MinRelevance))
	}

	// Idempotency re-check: another process may have created the memory
	// between enqueue and now. Observing it is success, not failure.
	exists, err := q.memories.Exists(ctx, key, contentID, contentHash)
	if err != nil {
		return q.requeue(ctx, itemID, attempts, fmt.Errorf("memory check: %w", err))
	}
	if exists {
		if err := q.markDone(ctx, itemID); err != nil {
			return "", err
		}
		return ProcessDone, nil
	}

	agents, err := q.agents.AgentsForTopic(ctx, key)
	if err != nil {
		return q.requeue(ctx, itemID, attempts, fmt.Errorf("resolve agents: %w", err))
	}
	if len(agents) == 0 {
		// Nothing to retry without an external configuration change.
		return q.failTerminal(ctx, itemID, "no agent configured for topic")
	}

	digest := q.packer.Pack(*raw)
	memory := Memory{
		TopicKey:    key,
		ContentID:   contentID,
		ContentHash: contentHash,
		Content:     pack.ComposeMemory(*raw, digest),
	}
	if err := q.memories.Create(ctx, memory); err != nil {
		return q.requeue(ctx, itemID, attempts, fmt.Errorf("create memory: %w", err))
	}

	for _, agent := range agents {
		res, err := agent.Ingest(ctx, memory)
		if err != nil {
			return q.requeue(ctx, itemID, attempts, fmt.Errorf("agent ingest: %w", err))
		}
		if !res.Success {
			return q.requeue(ctx, itemID, attempts, fmt.Errorf("agent ingest rejected: %s", res.Error))
		}
	}

	if err := q.markDone(ctx, itemID); err != nil {
		return "", err
	}
	return ProcessDone, nil
}

func (q *Queue) markDone(ctx context.Context, itemID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE feed_queue SET status = ?, last_error = '' WHERE id = ?`,
		StatusDone, itemID)
	if err != nil {
		return fmt.Errorf("feedq: mark done: %w", err)
	}
	return nil
}

// failTerminal marks the item FAILED with attempts pinned past the budget
// so no later claim resurrects it.
func (q *Queue) failTerminal(ctx context.Context, itemID, reason string) (ProcessResult, error) {
	_, err := q.db.ExecContext(ctx,
		`UPDATE feed_queue SET status = ?, attempts = ?, last_error = ? WHERE id = ?`,
		StatusFailed, q.opts.MaxAttempts, reason, itemID)
	if err != nil {
		return "", fmt.Errorf("feedq: mark failed: %w", err)
	}
	q.opts.Logger.Warn("feedq: item failed terminally", "item_id", itemID, "reason", reason)
	return ProcessFailed, nil
}

// requeue records a transient error: back to PENDING while attempts
// remain, FAILED otherwise. The processing error is returned to the caller.
func (q *Queue) requeue(ctx context.Context, itemID string, attempts int, cause error) (ProcessResult, error) {
	status := StatusPending
	if attempts >= q.opts.MaxAttempts {
		status = StatusFailed
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE feed_queue SET status = ?, last_error = ? WHERE id = ?`,
		status, cause.Error(), itemID); err != nil {
		return "", fmt.Errorf("feedq: requeue: %w", err)
	}
	q.opts.Logger.Warn("feedq: item processing error",
		"item_id", itemID, "attempts", attempts, "requeued", status == StatusPending, "error", cause)
	return ProcessFailed, fmt.Errorf("feedq: process %s: %w", itemID, cause)
}

// ProcessBatch claims up to limit PENDING items by (priority DESC,
// enqueued_at ASC) and processes them concurrently. One item's failure
// never aborts the batch. A nil key processes all topics.
func (q *Queue) ProcessBatch(ctx context.Context, limit int, key *keyspace.Key) (BatchStats, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT id FROM feed_queue WHERE status = ?`
	args := []any{StatusPending}
	if key != nil {
		query += ` AND topic_key = ?`
		args = append(args, key.String())
	}
	query += ` ORDER BY priority DESC, enqueued_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return BatchStats{}, fmt.Errorf("feedq: select batch: %w", err)
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return BatchStats{}, fmt.Errorf("feedq: scan batch: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return BatchStats{}, err
	}

	var (
		mu    sync.Mutex
		stats BatchStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := q.ProcessOne(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed++
			case res == ProcessDone:
				stats.Processed++
			case res == ProcessFailed:
				stats.Failed++
			default:
				stats.Skipped++
			}
			// Failures are counted, never propagated: they must not cancel
			// the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()
	return stats, nil
}

// ReclaimStalled returns PROCESSING items picked more than olderThan ago
// to PENDING, so work orphaned by a crashed worker is retried.
func (q *Queue) ReclaimStalled(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`UPDATE feed_queue SET status = ?, last_error = 'reclaimed: stalled in PROCESSING'
		WHERE status = ? AND picked_at <= ?`,
		StatusPending, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("feedq: reclaim: %w", err)
	}
	return res.RowsAffected()
}

// Status returns the topic's per-status item counts.
func (q *Queue) Status(ctx context.Context, key keyspace.Key) (map[string]int64, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM feed_queue WHERE topic_key = ? GROUP BY status`,
		key.String())
	if err != nil {
		return nil, fmt.Errorf("feedq: status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("feedq: scan status: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
