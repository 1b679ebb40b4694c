// Package textkit is the default, dependency-free text-analysis
// collaborator behind pack.Analyzer.
//
// Everything here is a plain-text heuristic: sentence scoring for key
// points, capitalized-run detection for entities, date-pattern matching
// for the timeline. It tolerates arbitrary input and returns fewer results
// rather than erroring. Deployments with a real extractor swap this out at
// wiring time.
package textkit

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/hazyhaar/scout/pack"
)

// Heuristic implements pack.Analyzer.
type Heuristic struct{}

var _ pack.Analyzer = Heuristic{}

// Words that suggest a sentence carries a concrete claim.
var signalWords = []string{
	"announced", "launched", "released", "acquired", "raised",
	"reported", "confirmed", "revealed", "according", "percent",
	"million", "billion", "increase", "decrease", "first",
}

// ExtractKeyPoints scores sentences by length, digits and signal words,
// returning up to max of the best ones in document order.
func (Heuristic) ExtractKeyPoints(text string, max int) []string {
	if max <= 0 {
		return nil
	}
	sentences := pack.SplitSentences(text)

	type scored struct {
		idx   int
		score int
	}
	var candidates []scored
	for i, s := range sentences {
		sc := scoreSentence(s)
		if sc > 0 {
			candidates = append(candidates, scored{idx: i, score: sc})
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	// Back to document order so the key points read as a narrative.
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].idx < candidates[b].idx
	})

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, sentences[c.idx])
	}
	return out
}

func scoreSentence(s string) int {
	n := len(s)
	if n < 30 || n > 400 {
		return 0
	}
	score := 1
	lower := strings.ToLower(s)
	for _, w := range signalWords {
		if strings.Contains(lower, w) {
			score += 2
		}
	}
	if strings.ContainsAny(s, "0123456789") {
		score += 2
	}
	if n >= 60 && n <= 220 {
		score++
	}
	return score
}

// Stopwords that start sentences and capitalized runs but name nothing.
var entityStopwords = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true,
	"These": true, "Those": true, "It": true, "He": true, "She": true,
	"They": true, "We": true, "You": true, "I": true, "In": true,
	"On": true, "At": true, "But": true, "And": true, "Or": true,
	"If": true, "When": true, "While": true, "After": true, "Before": true,
	"However": true, "Meanwhile": true, "According": true,
}

var entityTypeHints = map[string]string{
	"inc": "organization", "corp": "organization", "ltd": "organization",
	"llc": "organization", "company": "organization", "group": "organization",
	"university": "organization", "institute": "organization",
	"ministry": "organization", "agency": "organization",
	"city": "place", "county": "place", "republic": "place",
}

// ExtractEntities finds runs of capitalized words, skipping lone
// sentence-starting stopwords. Types are guessed from suffix hints and
// default to "unknown".
func (Heuristic) ExtractEntities(text string) []pack.Entity {
	var entities []pack.Entity
	seen := make(map[string]bool)

	for _, sentence := range pack.SplitSentences(text) {
		words := strings.Fields(sentence)
		for i := 0; i < len(words); i++ {
			if !isCapitalizedWord(words[i]) {
				continue
			}
			j := i
			for j < len(words) && isCapitalizedWord(words[j]) {
				j++
			}
			name := strings.Trim(strings.Join(words[i:j], " "), ".,;:!?\"'()")
			i = j

			// A lone stopword at sentence start is capitalization, not a name.
			if entityStopwords[name] {
				continue
			}
			if len(name) < 2 {
				continue
			}
			lower := strings.ToLower(name)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			entities = append(entities, pack.Entity{Name: name, Type: guessEntityType(lower)})
		}
	}
	return entities
}

func isCapitalizedWord(w string) bool {
	w = strings.TrimLeft(w, "\"'(")
	if w == "" {
		return false
	}
	r := []rune(w)[0]
	return unicode.IsUpper(r)
}

func guessEntityType(lowerName string) string {
	for hint, typ := range entityTypeHints {
		if strings.Contains(lowerName, hint) {
			return typ
		}
	}
	return "unknown"
}

// Date shapes worth a timeline entry: ISO, slashed, and "Month day, year".
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`),
	regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(?:,\s*\d{4})?\b`),
}

// ExtractTimeline pairs each dated sentence with its first date match.
func (Heuristic) ExtractTimeline(text string) []pack.TimelineEntry {
	var entries []pack.TimelineEntry
	for _, sentence := range pack.SplitSentences(text) {
		for _, re := range datePatterns {
			date := re.FindString(sentence)
			if date == "" {
				continue
			}
			entries = append(entries, pack.TimelineEntry{
				Date:    date,
				Content: sentence,
			})
			break
		}
	}
	return entries
}
