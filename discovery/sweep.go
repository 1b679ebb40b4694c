package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/scout/dedup"
	"github.com/hazyhaar/scout/diag"
	"github.com/hazyhaar/scout/hosthealth"
	"github.com/hazyhaar/scout/runstate"
)

// SweepStats reports one sweep cycle's physical deletions.
type SweepStats struct {
	SeenURLs    int64 `json:"seen_urls"`
	HostScores  int64 `json:"host_scores"`
	RunState    int64 `json:"run_state"`
	Diagnostics int64 `json:"diagnostics"`
}

// Total is the number of rows deleted across all components.
func (s SweepStats) Total() int64 {
	return s.SeenURLs + s.HostScores + s.RunState + s.Diagnostics
}

// Sweeper periodically deletes expired rows. Reads already filter on
// expiry, so this is storage hygiene, not correctness.
type Sweeper struct {
	dedup    *dedup.Detector
	hosts    *hosthealth.Tracker
	runs     *runstate.Registry
	diags    *diag.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper creates a Sweeper. Interval defaults to 1 hour.
func NewSweeper(dd *dedup.Detector, hh *hosthealth.Tracker, rs *runstate.Registry, dg *diag.Store, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		dedup:    dd,
		hosts:    hh,
		runs:     rs,
		diags:    dg,
		logger:   logger,
		interval: interval,
	}
}

// Run launches the periodic sweep. Blocks until ctx.Done().
func (sw *Sweeper) Run(ctx context.Context) {
	sw.logger.Info("sweeper: started", "interval", sw.interval)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweeper: stopped")
			return
		case <-ticker.C:
			stats := sw.SweepOnce(ctx)
			if stats.Total() > 0 {
				sw.logger.Info("sweeper: cycle done",
					"seen_urls", stats.SeenURLs,
					"host_scores", stats.HostScores,
					"run_state", stats.RunState,
					"diagnostics", stats.Diagnostics)
			}
		}
	}
}

// SweepOnce deletes expired rows across every TTL-bearing component.
// Component failures are logged and skipped; a sweep never aborts.
func (sw *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var stats SweepStats
	var err error

	if stats.SeenURLs, err = sw.dedup.SweepExpired(ctx); err != nil {
		sw.logger.Warn("sweeper: seen urls", "error", err)
	}
	if stats.HostScores, err = sw.hosts.SweepExpired(ctx); err != nil {
		sw.logger.Warn("sweeper: host scores", "error", err)
	}
	if stats.RunState, err = sw.runs.SweepExpired(ctx); err != nil {
		sw.logger.Warn("sweeper: run state", "error", err)
	}
	if stats.Diagnostics, err = sw.diags.SweepExpired(ctx); err != nil {
		sw.logger.Warn("sweeper: diagnostics", "error", err)
	}
	return stats
}
