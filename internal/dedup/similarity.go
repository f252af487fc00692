// Package dedup finds duplicate processed results inside one processing
// unit and resolves each duplicate group to a canonical record.
package dedup

import (
	"siftworks.dev/sift/internal/normalize"
)

// Stop words removed before title token comparison. Small and fixed:
// comparisons stay deterministic and language handling belongs to the
// extractor, not here.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "in": {}, "is": {},
	"it": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {},
	"with": {},
}

func titleTokenSet(text string) map[string]struct{} {
	tokens := normalize.Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, stop := stopWords[token]; stop {
			continue
		}
		set[token] = struct{}{}
	}
	return set
}

// TitleSimilarity is the Jaccard index over stop-word-filtered title
// tokens.
func TitleSimilarity(left, right string) float64 {
	return jaccard(titleTokenSet(left), titleTokenSet(right))
}

// URLSimilarity is the Jaccard index over character trigrams of two
// normalized URLs.
func URLSimilarity(left, right string) float64 {
	return jaccard(trigramSet(left), trigramSet(right))
}

func jaccard(leftSet, rightSet map[string]struct{}) float64 {
	if len(leftSet) == 0 || len(rightSet) == 0 {
		return 0
	}

	intersection := 0
	for token := range leftSet {
		if _, ok := rightSet[token]; ok {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}

	union := len(leftSet) + len(rightSet) - intersection
	if union <= 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func trigramSet(text string) map[string]struct{} {
	normalized := normalize.Text(text)
	if normalized == "" {
		return nil
	}

	runes := []rune(normalized)
	if len(runes) < 3 {
		return map[string]struct{}{string(runes): {}}
	}

	set := make(map[string]struct{}, len(runes)-2)
	for i := 0; i <= len(runes)-3; i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}
