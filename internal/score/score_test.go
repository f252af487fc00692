package score

import (
	"strings"
	"testing"

	"siftworks.dev/sift/internal/extract"
)

const testYear = 2026

func TestQuality_RecentPDFWithFullText(t *testing.T) {
	t.Parallel()

	year := testYear
	meta := extract.Metadata{
		FileType:        "pdf",
		HasFullText:     true,
		PublicationYear: &year,
	}
	title := "A sufficiently descriptive title"
	snippet := strings.Repeat("evidence ", 10)

	got := Quality(meta, title, snippet, testYear)
	// 3.0 full text + 2.0 pdf + 2.0 recent + 1.0 title + 1.0 snippet
	if got != 9.0 {
		t.Fatalf("unexpected score: got %v want 9.0", got)
	}
}

func TestQuality_ModerateRecency(t *testing.T) {
	t.Parallel()

	year := testYear - 8
	meta := extract.Metadata{PublicationYear: &year}
	got := Quality(meta, "short", "", testYear)
	if got != 1.0 {
		t.Fatalf("expected only the moderate-recency point, got %v", got)
	}
}

func TestQuality_OldResultGetsNoRecencyPoints(t *testing.T) {
	t.Parallel()

	year := testYear - 15
	meta := extract.Metadata{PublicationYear: &year}
	if got := Quality(meta, "", "", testYear); got != 0 {
		t.Fatalf("expected zero score, got %v", got)
	}
}

func TestQuality_EmptyInputScoresZero(t *testing.T) {
	t.Parallel()

	if got := Quality(extract.Metadata{}, "", "", testYear); got != 0 {
		t.Fatalf("expected zero score for empty input, got %v", got)
	}
}

func TestQuality_LengthThresholdsCountRunes(t *testing.T) {
	t.Parallel()

	// Six runes but eighteen bytes: too short for the title point.
	if got := Quality(extract.Metadata{}, "痛みの研究論", "", testYear); got != 0 {
		t.Fatalf("six-rune title scored %v, want 0", got)
	}
	if got := Quality(extract.Metadata{}, strings.Repeat("疼", 10), "", testYear); got != 1.0 {
		t.Fatalf("ten-rune title scored %v, want 1.0", got)
	}
	if got := Quality(extract.Metadata{}, "", strings.Repeat("究", 49), testYear); got != 0 {
		t.Fatalf("49-rune snippet scored %v, want 0", got)
	}
	if got := Quality(extract.Metadata{}, "", strings.Repeat("究", 50), testYear); got != 1.0 {
		t.Fatalf("50-rune snippet scored %v, want 1.0", got)
	}
}

func TestQuality_Deterministic(t *testing.T) {
	t.Parallel()

	year := testYear - 2
	meta := extract.Metadata{FileType: "pdf", HasFullText: true, PublicationYear: &year}
	a := Quality(meta, "Deterministic title", strings.Repeat("x", 60), testYear)
	b := Quality(meta, "Deterministic title", strings.Repeat("x", 60), testYear)
	if a != b {
		t.Fatalf("score must be deterministic: %v != %v", a, b)
	}
}

func TestNormalized(t *testing.T) {
	t.Parallel()

	if got := Normalized(5); got != 0.5 {
		t.Fatalf("Normalized(5) = %v want 0.5", got)
	}
	if got := Normalized(-1); got != 0 {
		t.Fatalf("Normalized(-1) = %v want 0", got)
	}
	if got := Normalized(12); got != 1 {
		t.Fatalf("Normalized(12) = %v want 1", got)
	}
}
