// Command scout runs the discovery frontier and feed-queue pipeline: one
// worker per configured topic, a feed-queue batch loop, and a TTL sweeper,
// all coordinated through a single SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/scout/audit"
	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/dedup"
	"github.com/hazyhaar/scout/diag"
	"github.com/hazyhaar/scout/discovery"
	"github.com/hazyhaar/scout/feedq"
	"github.com/hazyhaar/scout/frontier"
	"github.com/hazyhaar/scout/hosthealth"
	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/keyspace"
	"github.com/hazyhaar/scout/pack"
	"github.com/hazyhaar/scout/runstate"
	"github.com/hazyhaar/scout/textkit"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = LoadConfig(*configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Components over the shared database.
	frontierQ := frontier.New(db, frontier.Options{})
	detector := dedup.New(db, dedup.Options{
		SeenTTL:   cfg.Dedup.SeenTTL,
		Window:    cfg.Dedup.Window,
		Threshold: cfg.Dedup.Threshold,
	})
	hosts := hosthealth.New(db, hosthealth.Options{})
	runs := runstate.New(db, runstate.Options{})
	trail := audit.New(db, audit.Options{Logger: logger})
	defer trail.Close()
	diags := diag.New(db, diag.Options{})

	contents := newContentStore(db)
	memories := feedq.NewMemoryStore(db)
	packer := pack.New(textkit.Heuristic{}, pack.Options{})

	var agents []feedq.Agent
	if cfg.LogAgent {
		agents = append(agents, &logAgent{logger: logger})
	}
	feed := feedq.New(db, contents, &staticDirectory{agents: agents}, memories, packer, feedq.Options{
		MaxAttempts:  cfg.Feed.MaxAttempts,
		MinTextBytes: cfg.Feed.MinTextBytes,
		MinRelevance: cfg.Feed.MinRelevance,
		Concurrency:  cfg.Feed.Concurrency,
		Logger:       logger,
	})

	for name, ensure := range map[string]func(context.Context) error{
		"frontier": frontierQ.EnsureSchema,
		"dedup":    detector.EnsureSchema,
		"hosts":    hosts.EnsureSchema,
		"runs":     runs.EnsureSchema,
		"audit":    trail.EnsureSchema,
		"diag":     diags.EnsureSchema,
		"contents": contents.EnsureSchema,
		"memories": memories.EnsureSchema,
		"feed":     feed.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			logger.Error("ensure schema", "component", name, "error", err)
			os.Exit(1)
		}
	}

	fetcher := newHTTPFetcher(contents)
	svc := discovery.New(frontierQ, detector, hosts, runs, trail, diags, feed, fetcher, discovery.Options{
		RatePerSecond: cfg.Worker.RatePerSecond,
		WarnAfter:     cfg.Worker.WarnAfter,
		PauseAfter:    cfg.Worker.PauseAfter,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	// One discovery worker per topic, seeded from config.
	for _, topic := range cfg.Topics {
		key := keyspace.ForTopic(topic.ID)
		for i, seed := range topic.Seeds {
			item := &frontier.Item{
				ID:       idgen.Prefixed("frn_", idgen.Default)(),
				Provider: "config",
				Cursor:   seed,
				Priority: float64(len(topic.Seeds) - i),
			}
			if err := frontierQ.Push(ctx, key, item); err != nil {
				logger.Error("seed frontier", "topic", topic.ID, "url", seed, "error", err)
				os.Exit(1)
			}
		}

		runID := idgen.Prefixed("run_", idgen.Default)()
		if err := svc.StartRun(ctx, key, runID); err != nil {
			logger.Error("start run", "topic", topic.ID, "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			defer func() {
				// Release the lease on the way out, under a fresh context:
				// the group's may already be cancelled.
				fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer fcancel()
				if err := svc.FinishRun(fctx, key); err != nil {
					logger.Warn("finish run", "topic_key", key.String(), "error", err)
				}
			}()
			return svc.RunWorker(gctx, key)
		})
	}

	// Feed-queue batch loop.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Feed.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if n, err := feed.ReclaimStalled(gctx, cfg.Feed.StalledAfter); err != nil {
					logger.Warn("reclaim stalled", "error", err)
				} else if n > 0 {
					logger.Info("reclaimed stalled items", "count", n)
				}
				stats, err := feed.ProcessBatch(gctx, cfg.Feed.BatchSize, nil)
				if err != nil {
					logger.Warn("process batch", "error", err)
					continue
				}
				if stats.Processed+stats.Failed+stats.Skipped > 0 {
					logger.Info("feed batch done",
						"processed", stats.Processed,
						"failed", stats.Failed,
						"skipped", stats.Skipped)
				}
			}
		}
	})

	// Expired-row sweeper.
	sweeper := discovery.NewSweeper(detector, hosts, runs, diags, logger, cfg.SweepInterval)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	logger.Info("scout: started", "topics", len(cfg.Topics), "db", cfg.DBPath)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scout: stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("scout: stopped")
}
