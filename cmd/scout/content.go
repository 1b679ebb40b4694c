package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/scout/keyspace"
	"github.com/hazyhaar/scout/pack"
)

// contentStore is the binary's built-in raw-content persistence: the
// fetcher saves what it fetched, the feed queue loads it back for packing.
// Deployments with an external content pipeline swap this out for their own
// feedq.ContentStore.
type contentStore struct {
	db *sql.DB
}

func newContentStore(db *sql.DB) *contentStore {
	return &contentStore{db: db}
}

func (s *contentStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS raw_contents (
			topic_key  TEXT NOT NULL,
			content_id TEXT NOT NULL,
			url        TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			text       TEXT NOT NULL,
			relevance  REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (topic_key, content_id)
		);
	`)
	return err
}

// Save upserts one fetched document.
func (s *contentStore) Save(ctx context.Context, key keyspace.Key, contentID, url, title, text string, relevance float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_contents (topic_key, content_id, url, title, text, relevance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic_key, content_id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			text = excluded.text,
			relevance = excluded.relevance`,
		key.String(), contentID, url, title, text, relevance, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("contentstore: save: %w", err)
	}
	return nil
}

// Load implements feedq.ContentStore. A missing record returns (nil, nil).
func (s *contentStore) Load(ctx context.Context, key keyspace.Key, contentID string) (*pack.Raw, error) {
	var raw pack.Raw
	err := s.db.QueryRowContext(ctx,
		`SELECT url, title, text, relevance FROM raw_contents
		WHERE topic_key = ? AND content_id = ?`,
		key.String(), contentID,
	).Scan(&raw.URL, &raw.Title, &raw.FullText, &raw.Relevance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contentstore: load: %w", err)
	}
	// No upstream summary for raw fetches: seed one from the text so the
	// digest is never empty.
	raw.Summary = pack.Truncate(raw.FullText, 600)
	return &raw, nil
}
