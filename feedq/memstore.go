package feedq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/keyspace"
)

// SQLiteMemoryStore is the built-in MemoryStore, backed by the shared
// database. Deployments with an external relational store implement the
// interface against it instead.
type SQLiteMemoryStore struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewMemoryStore creates a SQLiteMemoryStore. Call EnsureSchema once at
// startup.
func NewMemoryStore(db *sql.DB) *SQLiteMemoryStore {
	return &SQLiteMemoryStore{
		db:    db,
		newID: idgen.Prefixed("mem_", idgen.Default),
	}
}

// EnsureSchema creates the agent_memories table if it doesn't exist.
func (s *SQLiteMemoryStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_memories (
			id           TEXT PRIMARY KEY,
			topic_key    TEXT NOT NULL,
			content_id   TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			content      TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			UNIQUE (topic_key, content_id, content_hash)
		);
	`)
	return err
}

// Exists reports whether a memory for the triple is already stored.
func (s *SQLiteMemoryStore) Exists(ctx context.Context, key keyspace.Key, contentID, contentHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM agent_memories
		WHERE topic_key = ? AND content_id = ? AND content_hash = ?`,
		key.String(), contentID, contentHash,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("feedq: memory exists: %w", err)
	}
	return true, nil
}

// Create stores the memory. The unique index makes a concurrent duplicate
// create a no-op rather than a second record.
func (s *SQLiteMemoryStore) Create(ctx context.Context, m Memory) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memories (id, topic_key, content_id, content_hash, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic_key, content_id, content_hash) DO NOTHING`,
		s.newID(), m.TopicKey.String(), m.ContentID, m.ContentHash, m.Content,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("feedq: create memory: %w", err)
	}
	return nil
}

// Count returns the number of memories stored for the topic.
func (s *SQLiteMemoryStore) Count(ctx context.Context, key keyspace.Key) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_memories WHERE topic_key = ?`, key.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("feedq: count memories: %w", err)
	}
	return n, nil
}
