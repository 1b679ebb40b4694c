package dedup

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// Fingerprint computes a 64-bit SimHash over the whitespace-separated tokens
// of text. Similar inputs produce fingerprints with small Hamming distance,
// which is what IsNearDuplicate compares.
//
// Tokens are lowercased and stripped of surrounding punctuation; tokens
// shorter than 2 runes are skipped. Empty input hashes to 0.
func Fingerprint(text string) uint64 {
	var counts [64]int

	for _, tok := range strings.Fields(text) {
		tok = strings.TrimFunc(strings.ToLower(tok), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len([]rune(tok)) < 2 {
			continue
		}

		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				counts[bit]++
			} else {
				counts[bit]--
			}
		}
	}

	var fp uint64
	for bit := 0; bit < 64; bit++ {
		if counts[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}
