package match

import (
	"math"
	"testing"
)

type named struct {
	id   string
	name string
}

func nameOf(n named) string { return n.name }

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"Clinic", "clinic", 0},
		{"flaw", "lawn", 2},
	}
	for _, tc := range cases {
		if got := Levenshtein(tc.a, tc.b); got != tc.want {
			t.Fatalf("Levenshtein(%q,%q)=%d want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSimilarityRange(t *testing.T) {
	if s := Similarity("", ""); s != 1 {
		t.Fatalf("empty names: %v", s)
	}
	if s := Similarity("Paws", "PAWS"); s != 1 {
		t.Fatalf("case-insensitive: %v", s)
	}
	want := 1 - 3.0/7.0
	if s := Similarity("kitten", "sitting"); math.Abs(s-want) > 1e-9 {
		t.Fatalf("kitten/sitting=%v want %v", s, want)
	}
	if s := Similarity("abc", "xyz"); s != 0 {
		t.Fatalf("disjoint: %v", s)
	}
}

func TestFindBestMatchThreshold(t *testing.T) {
	candidates := []named{
		{"1", "Uptown Pet Hospital"},
		{"2", "Downtown Veterinary Clinic"},
	}
	got, score, ok := FindBestMatch("Downtown Vet Clinic", candidates, nameOf)
	if !ok || got.id != "2" {
		t.Fatalf("expected Downtown Veterinary Clinic, got %+v ok=%v score=%v", got, ok, score)
	}

	_, score, ok = FindBestMatch("Downtown Vet Clinic", candidates[:1], nameOf)
	if ok {
		t.Fatalf("Uptown Pet Hospital must not match (score %v)", score)
	}
	if score >= Threshold {
		t.Fatalf("expected score below threshold, got %v", score)
	}
}

func TestFindBestMatchTieGoesToFirst(t *testing.T) {
	candidates := []named{
		{"a", "Happy Paws Clinic"},
		{"b", "Happy Paws Clinic"},
	}
	got, _, ok := FindBestMatch("happy paws clinic", candidates, nameOf)
	if !ok || got.id != "a" {
		t.Fatalf("expected first candidate, got %+v", got)
	}
}

func TestFindBestMatchEmpty(t *testing.T) {
	if _, _, ok := FindBestMatch("x", []named(nil), nameOf); ok {
		t.Fatal("expected no match for empty candidates")
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Oak Vet  Hosp ":         "oak veterinary hospital",
		"St. Francis Animal Ctr":   "st francis animal center",
		"Cats & Dogs, Ave. Clinic": "cats and dogs ave clinic",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSimilarityIgnoresAbbreviations(t *testing.T) {
	// plain edit distance: "vet" -> "veterinary" costs 7 of 26 runes
	want := 1 - 7.0/26.0
	if s := Similarity("Downtown Vet Clinic", "Downtown Veterinary Clinic"); math.Abs(s-want) > 1e-9 {
		t.Fatalf("Similarity=%v want %v", s, want)
	}
	if s := Similarity("St. Francis", "st. francis"); s != 1 {
		t.Fatalf("punctuation must count, case must not: %v", s)
	}
}

func TestFindBestMatchKeepsSaintNames(t *testing.T) {
	candidates := []named{
		{"1", "Street Francis Clinic"},
		{"2", "St Francis Clinic"},
	}
	got, _, ok := FindBestMatch("St. Francis Clinic", candidates, nameOf)
	if !ok || got.id != "2" {
		t.Fatalf("expected St Francis Clinic, got %+v ok=%v", got, ok)
	}
}
