// Package match decides whether two free-text names denote the same entity.
package match

import (
	"strings"
	"unicode"
)

// Threshold is the minimum similarity accepted by FindBestMatch.
const Threshold = 0.8

var abbreviations = map[string]string{
	"vet":    "veterinary",
	"vets":   "veterinary",
	"hosp":   "hospital",
	"ctr":    "center",
	"centre": "center",
	"&":      "and",
}

// Normalize lower-cases name, drops punctuation, collapses whitespace and
// expands common clinic abbreviations.
func Normalize(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '&')
	})
	for i, f := range fields {
		if full, ok := abbreviations[f]; ok {
			fields[i] = full
		}
	}
	return strings.Join(fields, " ")
}

// Similarity returns 1 - distance/maxLen of the case-folded names, in [0,1].
func Similarity(a, b string) float64 {
	return similarity([]rune(strings.ToLower(a)), []rune(strings.ToLower(b)))
}

func similarity(ra, rb []rune) float64 {
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// Levenshtein is the case-insensitive edit distance between a and b.
func Levenshtein(a, b string) int {
	return levenshtein([]rune(strings.ToLower(a)), []rune(strings.ToLower(b)))
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// FindBestMatch returns the candidate whose name is most similar to target
// when that similarity reaches Threshold. Names are compared in Normalize
// form. Ties go to the earliest candidate.
func FindBestMatch[T any](target string, candidates []T, name func(T) string) (T, float64, bool) {
	var (
		best      T
		bestScore = -1.0
		found     bool
	)
	norm := []rune(Normalize(target))
	for _, c := range candidates {
		score := similarity(norm, []rune(Normalize(name(c))))
		if score > bestScore {
			best, bestScore, found = c, score, true
		}
	}
	if !found || bestScore < Threshold {
		var zero T
		return zero, max(bestScore, 0), false
	}
	return best, bestScore, true
}
