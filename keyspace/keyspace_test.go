package keyspace

import "testing"

func TestKeyString(t *testing.T) {
	// WHAT: Live and shadow keys render to distinct prefixed strings.
	// WHY: The prefix is the only thing separating dry-run state from live state.
	cases := []struct {
		key  Key
		want string
	}{
		{ForTopic("abc"), "t:abc"},
		{Shadow("abc"), "shadow:t:abc"},
	}
	for _, c := range cases {
		if got := c.key.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	// WHAT: Parse inverts String for both namespaces.
	// WHY: Stored topic_key values must map back to their topic.
	for _, k := range []Key{ForTopic("t1"), Shadow("t1")} {
		got, err := Parse(k.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", k.String(), err)
		}
		if got != k {
			t.Errorf("Parse(%q) = %+v, want %+v", k.String(), got, k)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	// WHAT: Parse rejects malformed keys.
	// WHY: A typo'd key silently creating a new namespace would orphan state.
	for _, s := range []string{"", "t:", "shadow:t:", "x:abc", "abc"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestShadowTwins(t *testing.T) {
	// WHAT: ShadowOf/Live convert between the twin namespaces of one topic.
	// WHY: Promotion of a dry-run config flips only the namespace, never the id.
	k := ForTopic("t9")
	sh := k.ShadowOf()
	if !sh.Shadow || sh.TopicID != "t9" {
		t.Fatalf("ShadowOf: got %+v", sh)
	}
	if sh.ShadowOf() != sh {
		t.Error("shadow of a shadow should be itself")
	}
	if sh.Live() != k {
		t.Errorf("Live: got %+v, want %+v", sh.Live(), k)
	}
}
