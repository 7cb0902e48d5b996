package cache

import (
	"strings"
	"unicode"
)

// tokenSet is the normalized word set of a prompt, used for Jaccard matching.
type tokenSet map[string]struct{}

// tokenize lowercases the text and splits on non-alphanumeric runes.
func tokenize(text string) tokenSet {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(tokenSet, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard returns |a∩b| / |a∪b|, 0 for two empty sets.
func jaccard(a, b tokenSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// similarityIndex maps cache keys to their prompt token sets. It holds at
// most one entry per live cache key; the sweeper prunes entries whose keys
// have been evicted.
type similarityIndex struct {
	threshold float64
	sets      map[string]tokenSet
}

func newSimilarityIndex(threshold float64) *similarityIndex {
	return &similarityIndex{threshold: threshold, sets: make(map[string]tokenSet)}
}

func (s *similarityIndex) add(key, prompt string) {
	s.sets[key] = tokenize(prompt)
}

func (s *similarityIndex) remove(key string) {
	delete(s.sets, key)
}

// nearest returns the key with the highest Jaccard score at or above the
// threshold, or "" when nothing qualifies.
func (s *similarityIndex) nearest(prompt string) (string, float64) {
	probe := tokenize(prompt)
	bestKey, bestScore := "", 0.0
	for key, set := range s.sets {
		if score := jaccard(probe, set); score > bestScore {
			bestKey, bestScore = key, score
		}
	}
	if bestScore < s.threshold {
		return "", 0
	}
	return bestKey, bestScore
}
