// Package pack turns raw discovered content into a bounded, structured
// digest fit for agent memory.
//
// The packer's job is bounding, merging and deduplicating: extraction
// itself is delegated to an Analyzer collaborator and only used as a
// fallback when the raw content carries no precomputed facts, entities or
// timeline. Every output dimension is capped so a pathological document
// cannot blow up a memory record.
package pack

import (
	"fmt"
	"strings"
	"unicode"
)

// Entity is a named thing mentioned in the content.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TimelineEntry is one dated event extracted from the content.
type TimelineEntry struct {
	Date    string `json:"date"`
	Content string `json:"content"`
}

// Raw is discovered content as handed to the packer, with optional
// precomputed structure from upstream extraction.
type Raw struct {
	Title        string
	URL          string
	Summary      string
	WhyItMatters string
	FullText     string
	Facts        []string
	Entities     []Entity
	Timeline     []TimelineEntry
	Relevance    float64
}

// Digest is the bounded output of Pack.
type Digest struct {
	Summary  string          `json:"summary"`
	Facts    []string        `json:"facts"`
	Entities []Entity        `json:"entities"`
	Timeline []TimelineEntry `json:"timeline"`
}

// Analyzer extracts structure from plain text when the raw content carries
// none. Implementations tolerate arbitrary text and return fewer results
// rather than erroring.
type Analyzer interface {
	ExtractKeyPoints(text string, max int) []string
	ExtractEntities(text string) []Entity
	ExtractTimeline(text string) []TimelineEntry
}

// Options bounds the digest.
type Options struct {
	// MaxSentences caps the summary. Default: 6.
	MaxSentences int
	// MaxFacts caps the fact list. Default: 12.
	MaxFacts int
	// MinFactLen drops facts shorter than this many bytes. Default: 20.
	MinFactLen int
	// MaxEntities caps the entity list. Default: 20.
	MaxEntities int
	// MaxTimeline caps the timeline. Default: 10.
	MaxTimeline int
}

func (o *Options) defaults() {
	if o.MaxSentences <= 0 {
		o.MaxSentences = 6
	}
	if o.MaxFacts <= 0 {
		o.MaxFacts = 12
	}
	if o.MinFactLen <= 0 {
		o.MinFactLen = 20
	}
	if o.MaxEntities <= 0 {
		o.MaxEntities = 20
	}
	if o.MaxTimeline <= 0 {
		o.MaxTimeline = 10
	}
}

// Packer bounds raw content into digests.
type Packer struct {
	analyzer Analyzer
	opts     Options
}

// New creates a Packer around an Analyzer.
func New(analyzer Analyzer, opts Options) *Packer {
	opts.defaults()
	return &Packer{analyzer: analyzer, opts: opts}
}

// Pack produces the bounded digest for raw. Precomputed structure wins over
// heuristic extraction in every dimension.
func (p *Packer) Pack(raw Raw) Digest {
	return Digest{
		Summary:  p.packSummary(raw),
		Facts:    p.packFacts(raw),
		Entities: p.packEntities(raw),
		Timeline: p.packTimeline(raw),
	}
}

func (p *Packer) packSummary(raw Raw) string {
	text := strings.TrimSpace(raw.Summary)
	if why := strings.TrimSpace(raw.WhyItMatters); why != "" {
		if text != "" {
			text += " "
		}
		text += why
	}
	sentences := SplitSentences(text)
	if len(sentences) > p.opts.MaxSentences {
		sentences = sentences[:p.opts.MaxSentences]
	}
	return strings.Join(sentences, " ")
}

func (p *Packer) packFacts(raw Raw) []string {
	facts := filterFacts(raw.Facts, p.opts.MinFactLen)
	if len(facts) == 0 && p.analyzer != nil && raw.FullText != "" {
		facts = filterFacts(p.analyzer.ExtractKeyPoints(raw.FullText, p.opts.MaxFacts), p.opts.MinFactLen)
	}
	if len(facts) > p.opts.MaxFacts {
		facts = facts[:p.opts.MaxFacts]
	}
	return facts
}

func filterFacts(in []string, minLen int) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.TrimSpace(f)
		if len(f) >= minLen {
			out = append(out, f)
		}
	}
	return out
}

func (p *Packer) packEntities(raw Raw) []Entity {
	entities := raw.Entities
	if len(entities) == 0 && p.analyzer != nil && raw.FullText != "" {
		entities = p.analyzer.ExtractEntities(raw.FullText)
	}

	seen := make(map[string]bool, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		lower := strings.ToLower(name)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, Entity{Name: name, Type: e.Type})
		if len(out) == p.opts.MaxEntities {
			break
		}
	}
	return out
}

func (p *Packer) packTimeline(raw Raw) []TimelineEntry {
	timeline := raw.Timeline
	if len(timeline) == 0 && p.analyzer != nil && raw.FullText != "" {
		timeline = p.analyzer.ExtractTimeline(raw.FullText)
	}

	out := make([]TimelineEntry, 0, len(timeline))
	for _, e := range timeline {
		date := strings.TrimSpace(e.Date)
		content := strings.TrimSpace(e.Content)
		if date == "" || content == "" {
			continue
		}
		out = append(out, TimelineEntry{Date: date, Content: content})
		if len(out) == p.opts.MaxTimeline {
			break
		}
	}
	return out
}

// SplitSentences splits text on sentence-ending punctuation followed by
// whitespace. Terminal punctuation stays attached to its sentence.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		// Swallow a run of terminal punctuation ("..", "?!").
		for i+1 < len(runes) && isSentenceEnd(runes[i+1]) {
			i++
		}
		if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Truncate cuts s to at most budget runes, preferring a sentence boundary
// found within the last 20% of the budget, else the last word boundary,
// never mid-word. Appends "…" when anything was cut.
func Truncate(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}

	cut := runes[:budget]

	// Sentence boundary in the last 20% of the budget keeps the text
	// readable without wasting much of it.
	sentenceFloor := budget * 4 / 5
	for i := budget - 1; i >= sentenceFloor; i-- {
		if isSentenceEnd(cut[i]) {
			return strings.TrimSpace(string(cut[:i+1])) + "…"
		}
	}

	for i := budget - 1; i >= 0; i-- {
		if unicode.IsSpace(cut[i]) {
			return strings.TrimSpace(string(cut[:i])) + "…"
		}
	}

	// One unbroken word longer than the whole budget: cut hard.
	return string(cut) + "…"
}

// ComposeMemory renders raw + digest as the sectioned markdown string fed
// to agent ingestion.
func ComposeMemory(raw Raw, d Digest) string {
	var b strings.Builder

	if t := strings.TrimSpace(raw.Title); t != "" {
		fmt.Fprintf(&b, "# %s\n\n", t)
	}
	if u := strings.TrimSpace(raw.URL); u != "" {
		fmt.Fprintf(&b, "Source: %s\n\n", u)
	}
	if d.Summary != "" {
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", d.Summary)
	}
	if len(d.Facts) > 0 {
		b.WriteString("## Key Facts\n\n")
		for _, f := range d.Facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(d.Entities) > 0 {
		b.WriteString("## Entities\n\n")
		for _, e := range d.Entities {
			if e.Type != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Type)
			} else {
				fmt.Fprintf(&b, "- %s\n", e.Name)
			}
		}
		b.WriteString("\n")
	}
	if len(d.Timeline) > 0 {
		b.WriteString("## Timeline\n\n")
		for _, e := range d.Timeline {
			fmt.Fprintf(&b, "- %s: %s\n", e.Date, e.Content)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}
