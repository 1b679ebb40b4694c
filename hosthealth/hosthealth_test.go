package hosthealth

import (
	"context"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/keyspace"
)

func setupTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	db := dbopen.OpenMemory(t)
	tr := New(db, opts)
	if err := tr.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestSetGetAll(t *testing.T) {
	// WHAT: Set stores a score verbatim and GetAll returns the full map.
	// WHY: Callers that compute their own EMA need raw store/retrieve.
	tr := setupTracker(t, Options{})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	if err := tr.Set(ctx, key, "example.com", Score{EMA: 0.75}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Set(ctx, key, "other.org", Score{EMA: 0.25}); err != nil {
		t.Fatal(err)
	}

	all, err := tr.GetAll(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("map size = %d, want 2", len(all))
	}
	if all["example.com"].EMA != 0.75 {
		t.Errorf("example.com ema = %v, want 0.75", all["example.com"].EMA)
	}
	if all["example.com"].UpdatedAt.IsZero() {
		t.Error("updated_at should be stamped")
	}
}

func TestObserve_EMAFormula(t *testing.T) {
	// WHAT: Observe applies ema' = alpha*outcome + (1-alpha)*ema, seeding
	// a fresh host from the first outcome.
	// WHY: Scheduling decisions depend on this exact recency weighting.
	tr := setupTracker(t, Options{Alpha: 0.3})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	ema, err := tr.Observe(ctx, key, "example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if ema != 1.0 {
		t.Fatalf("seed ema = %v, want 1.0", ema)
	}

	ema, err = tr.Observe(ctx, key, "example.com", false)
	if err != nil {
		t.Fatal(err)
	}
	// 0.3*0 + 0.7*1.0 = 0.7
	if math.Abs(ema-0.7) > 1e-9 {
		t.Fatalf("ema after failure = %v, want 0.7", ema)
	}

	ema, err = tr.Observe(ctx, key, "example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	// 0.3*1 + 0.7*0.7 = 0.79
	if math.Abs(ema-0.79) > 1e-9 {
		t.Fatalf("ema after recovery = %v, want 0.79", ema)
	}
}

func TestExpiry(t *testing.T) {
	// WHAT: Expired entries vanish from reads and are physically swept.
	// WHY: A host unseen for two weeks should start from a clean slate.
	tr := setupTracker(t, Options{TTL: time.Millisecond})
	ctx := context.Background()
	key := keyspace.ForTopic("t1")

	tr.Set(ctx, key, "example.com", Score{EMA: 0.5})
	time.Sleep(5 * time.Millisecond)

	all, err := tr.GetAll(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("expired map size = %d, want 0", len(all))
	}

	removed, err := tr.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
}

func TestTopicIsolation(t *testing.T) {
	// WHAT: Scores are partitioned by topic key, shadow included.
	// WHY: One topic's flaky host may be another topic's only good source.
	tr := setupTracker(t, Options{})
	ctx := context.Background()
	live := keyspace.ForTopic("t1")

	tr.Set(ctx, live, "example.com", Score{EMA: 0.1})

	all, _ := tr.GetAll(ctx, live.ShadowOf())
	if len(all) != 0 {
		t.Fatalf("shadow map size = %d, want 0", len(all))
	}
}

func TestCanonicalHost(t *testing.T) {
	// WHAT: CanonicalHost reduces URLs to their registrable domain.
	// WHY: Subdomains of one publisher must share a reliability score.
	cases := []struct {
		in   string
		want string
	}{
		{"https://news.example.com/article/1", "example.com"},
		{"https://www.example.co.uk/a?b=c", "example.co.uk"},
		{"http://example.org", "example.org"},
	}
	for _, c := range cases {
		got, err := CanonicalHost(c.in)
		if err != nil {
			t.Errorf("CanonicalHost(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("CanonicalHost(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	if _, err := CanonicalHost("://missing-scheme"); err == nil {
		t.Error("expected error for unparseable URL")
	}
	if _, err := CanonicalHost("/relative/path"); err == nil {
		t.Error("expected error for URL without host")
	}
}
