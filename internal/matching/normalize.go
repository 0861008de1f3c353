package matching

import (
	"regexp"
	"strings"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
)

var (
	nonAlnumRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	folder     = cases.Fold()
)

// NormalizeName folds case, replaces "&" with "and", and collapses every run
// of punctuation or whitespace into a single space.
func NormalizeName(name string) string {
	name = folder.String(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "&", " and ")
	name = nonAlnumRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// Similarity returns a [0,1] Levenshtein similarity of two normalized
// strings. Empty input scores 0.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// WordOverlap returns the Jaccard similarity of the word sets of two
// normalized names.
func WordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
