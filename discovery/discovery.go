// Package discovery orchestrates the per-topic worker loop: pop the
// frontier, filter through the seen set and near-duplicate detector, fetch,
// score the source host, audit every decision, and hand accepted content to
// the feed queue.
//
// Nothing here surfaces hard errors to an end user. The worker logs and
// audits failures and keeps going; it returns only on context cancellation
// or when the run mode leaves live.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/scout/audit"
	"github.com/hazyhaar/scout/dedup"
	"github.com/hazyhaar/scout/diag"
	"github.com/hazyhaar/scout/feedq"
	"github.com/hazyhaar/scout/frontier"
	"github.com/hazyhaar/scout/hosthealth"
	"github.com/hazyhaar/scout/keyspace"
	"github.com/hazyhaar/scout/runstate"
)

// FetchResult is what a Fetcher produced for one frontier item.
type FetchResult struct {
	URL         string
	ContentID   string
	ContentHash string
	// Fingerprint is the content simhash; zero means "compute from Text".
	Fingerprint uint64
	Text        string
	Relevance   float64
	Kind        string
}

// Fetcher retrieves and extracts content for a frontier item. External
// collaborator; the binary plugs in a real implementation at wiring time.
type Fetcher interface {
	Fetch(ctx context.Context, key keyspace.Key, item *frontier.Item) (*FetchResult, error)
}

// Decision event kinds written to the audit trail.
const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"
	EventAccept      = "accept"
	EventSkipSeen    = "skip_seen"
	EventSkipNearDup = "skip_near_duplicate"
	EventFetchError  = "fetch_error"
	EventZeroYield   = "zero_yield"
)

// Event is the tagged decision record the worker appends to the audit
// trail. Kind discriminates; unrelated fields stay empty.
type Event struct {
	Kind      string `json:"kind"`
	RunID     string `json:"run_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	URL       string `json:"url,omitempty"`
	ContentID string `json:"content_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Options configures the worker.
type Options struct {
	// RatePerSecond paces frontier pops per topic. Default: 1.
	RatePerSecond float64
	// Burst is the limiter burst. Default: 1.
	Burst int
	// WarnAfter is the consecutive yield-less iteration count that raises a
	// warning diagnostic. Default: 5.
	WarnAfter int
	// PauseAfter is the count that pauses the run. Default: 10.
	PauseAfter int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 1
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.WarnAfter <= 0 {
		o.WarnAfter = 5
	}
	if o.PauseAfter <= o.WarnAfter {
		o.PauseAfter = o.WarnAfter * 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Service owns the discovery-side handles and drives worker loops.
type Service struct {
	frontier *frontier.Queue
	dedup    *dedup.Detector
	hosts    *hosthealth.Tracker
	runs     *runstate.Registry
	trail    *audit.Trail
	diags    *diag.Store
	feed     *feedq.Queue
	fetcher  Fetcher
	limiter  *rate.Limiter
	opts     Options
}

// New creates a Service over already-constructed component handles.
func New(
	fq *frontier.Queue,
	dd *dedup.Detector,
	hh *hosthealth.Tracker,
	rs *runstate.Registry,
	tr *audit.Trail,
	dg *diag.Store,
	feed *feedq.Queue,
	fetcher Fetcher,
	opts Options,
) *Service {
	opts.defaults()
	return &Service{
		frontier: fq,
		dedup:    dd,
		hosts:    hh,
		runs:     rs,
		trail:    tr,
		diags:    dg,
		feed:     feed,
		fetcher:  fetcher,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		opts:     opts,
	}
}

// StartRun takes the topic's active-run lease and audits the start.
// Returns runstate.ErrRunActive (wrapped) when another run holds it.
func (s *Service) StartRun(ctx context.Context, key keyspace.Key, runID string) error {
	if err := s.runs.SetActiveRun(ctx, key, runID); err != nil {
		return fmt.Errorf("discovery: start run: %w", err)
	}
	s.trail.AppendAsync(key, Event{Kind: EventRunStarted, RunID: runID})
	s.opts.Logger.Info("discovery: run started", "topic_key", key.String(), "run_id", runID)
	return nil
}

// FinishRun releases the lease and audits the finish.
func (s *Service) FinishRun(ctx context.Context, key keyspace.Key) error {
	runID, err := s.runs.GetActiveRun(ctx, key)
	if err != nil {
		return fmt.Errorf("discovery: finish run: %w", err)
	}
	if err := s.runs.ClearActiveRun(ctx, key); err != nil {
		return fmt.Errorf("discovery: finish run: %w", err)
	}
	s.trail.AppendAsync(key, Event{Kind: EventRunFinished, RunID: runID})
	s.opts.Logger.Info("discovery: run finished", "topic_key", key.String(), "run_id", runID)
	return nil
}

// RunWorker drives the topic's discovery loop until the context is
// cancelled or the run mode leaves live. The returned error is ctx.Err()
// on cancellation, nil on a clean mode stop.
func (s *Service) RunWorker(ctx context.Context, key keyspace.Key) error {
	zeroYield := 0
	for {
		mode, err := s.runs.GetMode(ctx, key)
		if err != nil {
			s.opts.Logger.Warn("discovery: read mode", "topic_key", key.String(), "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		if mode != runstate.ModeLive {
			s.opts.Logger.Info("discovery: worker stopping", "topic_key", key.String(), "mode", mode)
			return nil
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		item, err := s.frontier.Pop(ctx, key)
		if err != nil {
			s.opts.Logger.Warn("discovery: frontier pop", "topic_key", key.String(), "error", err)
			continue
		}
		if item == nil {
			zeroYield++
			s.noteZeroYield(ctx, key, zeroYield)
			continue
		}

		if s.processItem(ctx, key, item) {
			zeroYield = 0
			if err := s.diags.Clear(ctx, key); err != nil {
				s.opts.Logger.Warn("discovery: clear diagnostic", "topic_key", key.String(), "error", err)
			}
		} else {
			zeroYield++
			s.noteZeroYield(ctx, key, zeroYield)
		}
	}
}

// processItem runs one frontier item through the filters and reports
// whether it yielded an accepted piece of content.
func (s *Service) processItem(ctx context.Context, key keyspace.Key, item *frontier.Item) bool {
	log := s.opts.Logger.With("topic_key", key.String(), "item_id", item.ID)

	// The planner seeds the candidate URL as the item cursor.
	candidateURL := item.Cursor

	seen, err := s.dedup.IsSeen(ctx, key, candidateURL)
	if err != nil {
		log.Warn("discovery: seen check", "error", err)
		return false
	}
	if seen {
		s.trail.AppendAsync(key, Event{Kind: EventSkipSeen, ItemID: item.ID, URL: candidateURL})
		return false
	}

	res, err := s.fetcher.Fetch(ctx, key, item)
	host := hostForScore(candidateURL)
	if err != nil {
		if host != "" {
			s.observeHost(ctx, key, host, false)
		}
		s.trail.AppendAsync(key, Event{
			Kind: EventFetchError, ItemID: item.ID, URL: candidateURL, Reason: err.Error(),
		})
		log.Warn("discovery: fetch failed", "url", candidateURL, "error", err)
		return false
	}
	if res.URL != "" {
		if h := hostForScore(res.URL); h != "" {
			host = h
		}
	}
	if host != "" {
		s.observeHost(ctx, key, host, true)
	}

	fp := res.Fingerprint
	if fp == 0 {
		fp = dedup.Fingerprint(res.Text)
	}
	isDup, err := s.dedup.IsNearDuplicate(ctx, key, fp)
	if err != nil {
		log.Warn("discovery: near-dup check", "error", err)
		return false
	}
	if isDup {
		// Mark the URL seen so the same candidate is not refetched just to
		// be rejected again.
		if err := s.dedup.MarkSeen(ctx, key, finalURL(candidateURL, res)); err != nil {
			log.Warn("discovery: mark seen", "error", err)
		}
		s.trail.AppendAsync(key, Event{
			Kind: EventSkipNearDup, ItemID: item.ID, URL: finalURL(candidateURL, res),
			ContentID: res.ContentID,
		})
		return false
	}

	// Accept.
	acceptedURL := finalURL(candidateURL, res)
	if err := s.dedup.MarkSeen(ctx, key, acceptedURL); err != nil {
		log.Warn("discovery: mark seen", "error", err)
	}
	if err := s.dedup.MarkFingerprint(ctx, key, fp); err != nil {
		log.Warn("discovery: mark fingerprint", "error", err)
	}
	if err := s.runs.IncrCounter(ctx, key, "total"); err != nil {
		log.Warn("discovery: incr counter", "error", err)
	}
	if res.Kind != "" {
		if err := s.runs.IncrCounter(ctx, key, res.Kind); err != nil {
			log.Warn("discovery: incr counter", "kind", res.Kind, "error", err)
		}
	}

	s.trail.AppendAsync(key, Event{
		Kind: EventAccept, ItemID: item.ID, URL: acceptedURL, ContentID: res.ContentID,
	})

	enq, err := s.feed.Enqueue(ctx, key, res.ContentID, res.ContentHash, item.Priority)
	if err != nil {
		log.Warn("discovery: feed enqueue", "content_id", res.ContentID, "error", err)
		return true // the content was accepted even if enqueue must be retried
	}
	log.Info("discovery: content accepted",
		"url", acceptedURL, "content_id", res.ContentID, "enqueue", string(enq))
	return true
}

// noteZeroYield escalates the circuit breaker: warning after WarnAfter
// yield-less iterations, auto-pause after PauseAfter.
func (s *Service) noteZeroYield(ctx context.Context, key keyspace.Key, attempts int) {
	switch {
	case attempts == s.opts.PauseAfter:
		reason := fmt.Sprintf("%d consecutive iterations without a saved item", attempts)
		if err := s.diags.Set(ctx, key, diag.Diagnostic{
			Status: diag.StatusPaused, Attempts: attempts, Reason: reason,
		}); err != nil {
			s.opts.Logger.Warn("discovery: set diagnostic", "topic_key", key.String(), "error", err)
		}
		if err := s.runs.SetMode(ctx, key, runstate.ModePaused); err != nil {
			s.opts.Logger.Warn("discovery: auto-pause", "topic_key", key.String(), "error", err)
		}
		s.trail.AppendAsync(key, Event{Kind: EventZeroYield, Attempts: attempts, Reason: "auto-paused"})
		s.opts.Logger.Warn("discovery: run auto-paused on zero yield",
			"topic_key", key.String(), "attempts", attempts)
	case attempts == s.opts.WarnAfter:
		reason := fmt.Sprintf("%d consecutive iterations without a saved item", attempts)
		if err := s.diags.Set(ctx, key, diag.Diagnostic{
			Status: diag.StatusWarning, Attempts: attempts, Reason: reason,
		}); err != nil {
			s.opts.Logger.Warn("discovery: set diagnostic", "topic_key", key.String(), "error", err)
		}
		s.trail.AppendAsync(key, Event{Kind: EventZeroYield, Attempts: attempts, Reason: "warning"})
	}
}

func (s *Service) observeHost(ctx context.Context, key keyspace.Key, host string, ok bool) {
	if _, err := s.hosts.Observe(ctx, key, host, ok); err != nil {
		s.opts.Logger.Warn("discovery: observe host",
			"topic_key", key.String(), "host", host, "error", err)
	}
}

func hostForScore(rawURL string) string {
	host, err := hosthealth.CanonicalHost(rawURL)
	if err != nil {
		return ""
	}
	return host
}

// finalURL prefers the fetcher's resolved URL (after redirects) over the
// seeded candidate.
func finalURL(candidate string, res *FetchResult) string {
	if res != nil && res.URL != "" {
		return res.URL
	}
	return candidate
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
