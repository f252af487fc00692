// Package score computes the bounded quality score used for canonical
// selection and reviewer ranking.
package score

import (
	"strings"
	"unicode/utf8"

	"siftworks.dev/sift/internal/extract"
)

const (
	// MaxScore bounds the additive rubric.
	MaxScore = 10.0

	weightFullText       = 3.0
	weightPDF            = 2.0
	weightRecent         = 2.0
	weightModeratelyAged = 1.0
	weightTitleQuality   = 1.0
	weightSnippetQuality = 1.0
	recentYearWindow     = 5
	moderateYearWindow   = 10
	minTitleLength       = 10 // runes
	minSnippetLength     = 50 // runes
)

// Quality scores a result from its extracted metadata, title and snippet.
// Deterministic for identical inputs; currentYear anchors the recency
// factors.
func Quality(meta extract.Metadata, title, snippet string, currentYear int) float64 {
	score := 0.0

	if meta.HasFullText {
		score += weightFullText
	}
	if meta.FileType == "pdf" {
		score += weightPDF
	}
	if meta.PublicationYear != nil {
		age := currentYear - *meta.PublicationYear
		switch {
		case age <= recentYearWindow:
			score += weightRecent
		case age <= moderateYearWindow:
			score += weightModeratelyAged
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(title)) >= minTitleLength {
		score += weightTitleQuality
	}
	if utf8.RuneCountInString(strings.TrimSpace(snippet)) >= minSnippetLength {
		score += weightSnippetQuality
	}

	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// Normalized maps a raw quality score onto [0, 1] for consumers that
// expect a unit interval.
func Normalized(raw float64) float64 {
	switch {
	case raw <= 0:
		return 0
	case raw >= MaxScore:
		return 1
	default:
		return raw / MaxScore
	}
}
