package main

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/scout/feedq"
	"github.com/hazyhaar/scout/keyspace"
)

// logAgent is the built-in agent: it logs each ingested memory and accepts
// it. Useful for running the pipeline end to end before real agents exist.
type logAgent struct {
	logger *slog.Logger
}

func (a *logAgent) Ingest(ctx context.Context, m feedq.Memory) (feedq.IngestResult, error) {
	a.logger.Info("agent: memory ingested",
		"topic_key", m.TopicKey.String(),
		"content_id", m.ContentID,
		"bytes", len(m.Content))
	return feedq.IngestResult{Success: true, MemoriesCreated: 1}, nil
}

// staticDirectory serves the same agent list for every topic. Real
// deployments implement feedq.AgentDirectory against their own registry.
type staticDirectory struct {
	agents []feedq.Agent
}

func (d *staticDirectory) AgentsForTopic(ctx context.Context, key keyspace.Key) ([]feedq.Agent, error) {
	return d.agents, nil
}
