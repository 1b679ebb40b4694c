package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/scout/audit"
	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/dedup"
	"github.com/hazyhaar/scout/diag"
	"github.com/hazyhaar/scout/feedq"
	"github.com/hazyhaar/scout/frontier"
	"github.com/hazyhaar/scout/hosthealth"
	"github.com/hazyhaar/scout/keyspace"
	"github.com/hazyhaar/scout/pack"
	"github.com/hazyhaar/scout/runstate"
)

// fakeFetcher serves canned results keyed by the item cursor.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]*FetchResult
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, key keyspace.Key, item *frontier.Item) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res, ok := f.results[item.Cursor]
	if !ok {
		return nil, errors.New("no canned result")
	}
	return res, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type noopContent struct{}

func (noopContent) Load(ctx context.Context, key keyspace.Key, contentID string) (*pack.Raw, error) {
	return nil, nil
}

type noopDirectory struct{}

func (noopDirectory) AgentsForTopic(ctx context.Context, key keyspace.Key) ([]feedq.Agent, error) {
	return nil, nil
}

type fixture struct {
	svc      *Service
	frontier *frontier.Queue
	dedup    *dedup.Detector
	hosts    *hosthealth.Tracker
	runs     *runstate.Registry
	trail    *audit.Trail
	diags    *diag.Store
	feed     *feedq.Queue
	fetcher  *fakeFetcher
}

func setupService(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	f := &fixture{
		frontier: frontier.New(db, frontier.Options{}),
		dedup:    dedup.New(db, dedup.Options{}),
		hosts:    hosthealth.New(db, hosthealth.Options{}),
		runs:     runstate.New(db, runstate.Options{}),
		trail:    audit.New(db, audit.Options{}),
		diags:    diag.New(db, diag.Options{}),
		fetcher:  &fakeFetcher{results: map[string]*FetchResult{}},
	}
	memories := feedq.NewMemoryStore(db)
	f.feed = feedq.New(db, noopContent{}, noopDirectory{}, memories,
		pack.New(nil, pack.Options{}), feedq.Options{})

	for name, ensure := range map[string]func(context.Context) error{
		"frontier": f.frontier.EnsureSchema,
		"dedup":    f.dedup.EnsureSchema,
		"hosts":    f.hosts.EnsureSchema,
		"runs":     f.runs.EnsureSchema,
		"trail":    f.trail.EnsureSchema,
		"diags":    f.diags.EnsureSchema,
		"feed":     f.feed.EnsureSchema,
		"memories": memories.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			t.Fatalf("ensure %s schema: %v", name, err)
		}
	}

	// Fast pacing and a short breaker so worker loops finish in tests.
	if opts.RatePerSecond == 0 {
		opts.RatePerSecond = 10000
	}
	if opts.Burst == 0 {
		opts.Burst = 100
	}
	if opts.WarnAfter == 0 {
		opts.WarnAfter = 2
	}
	if opts.PauseAfter == 0 {
		opts.PauseAfter = 4
	}
	f.svc = New(f.frontier, f.dedup, f.hosts, f.runs, f.trail, f.diags, f.feed, f.fetcher, opts)
	return f
}

// auditKinds flushes the trail and returns the topic's event kinds, newest
// first.
func auditKinds(t *testing.T, f *fixture, key keyspace.Key) []string {
	t.Helper()
	if err := f.trail.Close(); err != nil {
		t.Fatal(err)
	}
	page, err := f.trail.Page(context.Background(), key, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		var e Event
		if err := json.Unmarshal(item.Data, &e); err != nil {
			t.Fatal(err)
		}
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func hasKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func TestStartFinishRun(t *testing.T) {
	// WHAT: StartRun takes the lease and sets mode live; a second run is
	// rejected; FinishRun releases both. Start and finish are audited.
	f := setupService(t, Options{})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	if err := f.svc.StartRun(ctx, key, "run_1"); err != nil {
		t.Fatal(err)
	}
	mode, _ := f.runs.GetMode(ctx, key)
	if mode != runstate.ModeLive {
		t.Fatalf("mode = %q, want live", mode)
	}

	err := f.svc.StartRun(ctx, key, "run_2")
	if !errors.Is(err, runstate.ErrRunActive) {
		t.Fatalf("second run err = %v, want ErrRunActive", err)
	}

	if err := f.svc.FinishRun(ctx, key); err != nil {
		t.Fatal(err)
	}
	runID, _ := f.runs.GetActiveRun(ctx, key)
	if runID != "" {
		t.Fatalf("active run after finish = %q", runID)
	}

	kinds := auditKinds(t, f, key)
	if !hasKind(kinds, EventRunStarted) || !hasKind(kinds, EventRunFinished) {
		t.Errorf("audit kinds = %v", kinds)
	}
}

func TestRunWorker_AcceptPath(t *testing.T) {
	// WHAT: A fresh item is fetched, marked seen + fingerprinted, counted,
	// audited as accept, and lands in the feed queue; the empty frontier
	// then trips the breaker and the worker returns on its own.
	// WHY: This is the full pop, dedup, fetch, enqueue pass in one go.
	f := setupService(t, Options{})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	url := "https://news.example.com/article-1"
	f.fetcher.results[url] = &FetchResult{
		URL:         url,
		ContentID:   "c1",
		ContentHash: "h1",
		Text:        "A long enough article body about something that happened recently.",
		Kind:        "total_news",
	}
	if err := f.frontier.Push(ctx, key, &frontier.Item{
		ID: "frn_1", Provider: "planner", Cursor: url, Priority: 5,
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.StartRun(ctx, key, "run_1"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RunWorker(ctx, key); err != nil {
		t.Fatalf("worker returned error: %v", err)
	}

	seen, _ := f.dedup.IsSeen(ctx, key, url)
	if !seen {
		t.Error("accepted URL should be marked seen")
	}
	dup, _ := f.dedup.IsNearDuplicate(ctx, key, dedup.Fingerprint(f.fetcher.results[url].Text))
	if !dup {
		t.Error("accepted fingerprint should be stored")
	}

	counts, _ := f.feed.Status(ctx, key)
	if counts[feedq.StatusPending] != 1 {
		t.Fatalf("feed queue counts = %v, want 1 pending", counts)
	}

	counters, _ := f.runs.Counters(ctx, key)
	if counters["total"] != 1 {
		t.Errorf("total counter = %d, want 1", counters["total"])
	}

	score, _ := f.hosts.Get(ctx, key, "example.com")
	if score == nil || score.EMA != 1.0 {
		t.Errorf("host score = %+v, want seeded 1.0", score)
	}

	kinds := auditKinds(t, f, key)
	if !hasKind(kinds, EventAccept) {
		t.Errorf("audit kinds = %v, want accept", kinds)
	}
}

func TestRunWorker_SkipSeen(t *testing.T) {
	// WHAT: A URL already in the seen set is skipped before fetching.
	f := setupService(t, Options{})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	url := "https://example.com/already-seen"
	f.dedup.MarkSeen(ctx, key, url)
	f.frontier.Push(ctx, key, &frontier.Item{ID: "frn_1", Cursor: url, Priority: 1})

	f.svc.StartRun(ctx, key, "run_1")
	if err := f.svc.RunWorker(ctx, key); err != nil {
		t.Fatal(err)
	}

	if f.fetcher.callCount() != 0 {
		t.Errorf("fetcher called %d times for a seen URL", f.fetcher.callCount())
	}
	kinds := auditKinds(t, f, key)
	if !hasKind(kinds, EventSkipSeen) {
		t.Errorf("audit kinds = %v, want skip_seen", kinds)
	}
}

func TestRunWorker_SkipNearDuplicate(t *testing.T) {
	// WHAT: Content within the Hamming threshold of a stored fingerprint
	// is rejected, audited, and marked seen so it is not refetched.
	f := setupService(t, Options{})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	text := "The same story told with nearly identical words and phrasing throughout."
	f.dedup.MarkFingerprint(ctx, key, dedup.Fingerprint(text))

	url := "https://example.com/rehash"
	f.fetcher.results[url] = &FetchResult{
		URL: url, ContentID: "c1", ContentHash: "h1", Text: text,
	}
	f.frontier.Push(ctx, key, &frontier.Item{ID: "frn_1", Cursor: url, Priority: 1})

	f.svc.StartRun(ctx, key, "run_1")
	if err := f.svc.RunWorker(ctx, key); err != nil {
		t.Fatal(err)
	}

	counts, _ := f.feed.Status(ctx, key)
	if len(counts) != 0 {
		t.Fatalf("feed queue counts = %v, want empty", counts)
	}
	seen, _ := f.dedup.IsSeen(ctx, key, url)
	if !seen {
		t.Error("near-dup URL should still be marked seen")
	}
	kinds := auditKinds(t, f, key)
	if !hasKind(kinds, EventSkipNearDup) {
		t.Errorf("audit kinds = %v, want skip_near_duplicate", kinds)
	}
}

func TestRunWorker_FetchErrorScoresHost(t *testing.T) {
	// WHAT: A failed fetch drops the host's EMA and is audited; the worker
	// keeps running.
	f := setupService(t, Options{})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	f.fetcher.err = errors.New("connection refused")
	f.frontier.Push(ctx, key, &frontier.Item{
		ID: "frn_1", Cursor: "https://flaky.example.org/x", Priority: 1,
	})

	f.svc.StartRun(ctx, key, "run_1")
	if err := f.svc.RunWorker(ctx, key); err != nil {
		t.Fatal(err)
	}

	score, _ := f.hosts.Get(ctx, key, "example.org")
	if score == nil || score.EMA != 0.0 {
		t.Errorf("host score = %+v, want seeded 0.0", score)
	}
	kinds := auditKinds(t, f, key)
	if !hasKind(kinds, EventFetchError) {
		t.Errorf("audit kinds = %v, want fetch_error", kinds)
	}
}

func TestRunWorker_ZeroYieldBreaker(t *testing.T) {
	// WHAT: An empty frontier raises a warning diagnostic after WarnAfter
	// iterations and auto-pauses the run after PauseAfter, at which point
	// the worker stops cleanly.
	// WHY: The breaker keeps dead topics from burning fetch budget forever.
	f := setupService(t, Options{WarnAfter: 2, PauseAfter: 4})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	f.svc.StartRun(ctx, key, "run_1")
	if err := f.svc.RunWorker(ctx, key); err != nil {
		t.Fatalf("worker should stop cleanly, got: %v", err)
	}

	d, err := f.diags.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Status != diag.StatusPaused {
		t.Fatalf("diagnostic = %+v, want paused", d)
	}
	if d.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", d.Attempts)
	}

	mode, _ := f.runs.GetMode(ctx, key)
	if mode != runstate.ModePaused {
		t.Fatalf("mode = %q, want paused", mode)
	}

	kinds := auditKinds(t, f, key)
	if !hasKind(kinds, EventZeroYield) {
		t.Errorf("audit kinds = %v, want zero_yield", kinds)
	}
}

func TestRunWorker_StopsOnModeChange(t *testing.T) {
	// WHAT: Flipping the mode away from live stops the worker promptly.
	// WHY: Mode polling is the cancellation mechanism between iterations.
	f := setupService(t, Options{RatePerSecond: 50, PauseAfter: 100000, WarnAfter: 99999})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	f.svc.StartRun(ctx, key, "run_1")

	done := make(chan error, 1)
	go func() { done <- f.svc.RunWorker(ctx, key) }()

	time.Sleep(50 * time.Millisecond)
	if err := f.runs.SetMode(ctx, key, runstate.ModePaused); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after mode change")
	}
}

func TestRunWorker_CtxCancel(t *testing.T) {
	// WHAT: Context cancellation stops the worker with ctx.Err().
	f := setupService(t, Options{RatePerSecond: 50, PauseAfter: 100000, WarnAfter: 99999})
	key := keyspace.ForTopic("t1")

	ctx, cancel := context.WithCancel(context.Background())
	f.svc.StartRun(ctx, key, "run_1")

	done := make(chan error, 1)
	go func() { done <- f.svc.RunWorker(ctx, key) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("worker returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestSweepOnce(t *testing.T) {
	// WHAT: SweepOnce physically removes expired rows from every
	// TTL-bearing component and reports per-component counts.
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	dd := dedup.New(db, dedup.Options{SeenTTL: time.Millisecond})
	hh := hosthealth.New(db, hosthealth.Options{TTL: time.Millisecond})
	rs := runstate.New(db, runstate.Options{LeaseTTL: time.Millisecond, CounterTTL: time.Millisecond})
	dg := diag.New(db, diag.Options{TTL: time.Millisecond})
	for _, ensure := range []func(context.Context) error{
		dd.EnsureSchema, hh.EnsureSchema, rs.EnsureSchema, dg.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			t.Fatal(err)
		}
	}

	key := keyspace.ForTopic("t1")
	dd.MarkSeen(ctx, key, "https://example.com/old")
	hh.Set(ctx, key, "example.com", hosthealth.Score{EMA: 0.5})
	rs.SetActiveRun(ctx, key, "run_1")
	dg.Set(ctx, key, diag.Diagnostic{Status: diag.StatusOK, Reason: "fine"})

	time.Sleep(5 * time.Millisecond)

	sw := NewSweeper(dd, hh, rs, dg, nil, 0)
	stats := sw.SweepOnce(ctx)

	if stats.SeenURLs != 1 || stats.HostScores != 1 || stats.Diagnostics != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.RunState != 1 {
		t.Errorf("run state swept = %d, want 1 (expired lease)", stats.RunState)
	}
	if stats.Total() != 4 {
		t.Errorf("total = %d, want 4", stats.Total())
	}
}
