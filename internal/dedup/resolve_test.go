package dedup

import (
	"reflect"
	"testing"
	"time"

	"siftworks.dev/sift/internal/db"
)

func resolveFixture() []db.ProcessedResult {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	year := 2021
	return []db.ProcessedResult{
		{
			ProcessedResultID: 10,
			RawResultID:       100,
			SourceEngine:      "google_scholar",
			QualityScore:      8.0,
			FileType:          "pdf",
			ProcessedAt:       base,
		},
		{
			ProcessedResultID: 11,
			RawResultID:       101,
			SourceEngine:      "pubmed",
			QualityScore:      5.0,
			Snippet:           "Background: a randomized controlled trial of...",
			PublicationYear:   &year,
			SourceOrg:         "Example University",
			HasFullText:       true,
			ProcessedAt:       base.Add(time.Minute),
		},
		{
			ProcessedResultID: 12,
			RawResultID:       102,
			SourceEngine:      "google_scholar",
			QualityScore:      3.5,
			Language:          "en",
			ProcessedAt:       base.Add(2 * time.Minute),
		},
	}
}

func TestResolveCanonicalByQuality(t *testing.T) {
	t.Parallel()

	results := resolveFixture()
	res := Resolve(results, []int{0, 1, 2})
	if res.CanonicalOrdinal != 0 {
		t.Fatalf("canonical ordinal = %d, want 0", res.CanonicalOrdinal)
	}
	for _, ordinal := range []int{1, 2} {
		if results[ordinal].QualityScore > results[res.CanonicalOrdinal].QualityScore {
			t.Fatalf("member %d outscores canonical", ordinal)
		}
	}
}

func TestResolveTieBreaksOnProcessedAt(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	results := []db.ProcessedResult{
		{ProcessedResultID: 1, RawResultID: 1, QualityScore: 6.0, ProcessedAt: base.Add(time.Hour)},
		{ProcessedResultID: 2, RawResultID: 2, QualityScore: 6.0, ProcessedAt: base},
	}

	if res := Resolve(results, []int{0, 1}); res.CanonicalOrdinal != 1 {
		t.Fatalf("canonical ordinal = %d, want 1 (earliest processed)", res.CanonicalOrdinal)
	}
}

func TestResolveTieBreaksOnRawResultID(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	results := []db.ProcessedResult{
		{ProcessedResultID: 1, RawResultID: 9, QualityScore: 6.0, ProcessedAt: at},
		{ProcessedResultID: 2, RawResultID: 4, QualityScore: 6.0, ProcessedAt: at},
	}

	if res := Resolve(results, []int{0, 1}); res.CanonicalOrdinal != 1 {
		t.Fatalf("canonical ordinal = %d, want 1 (lowest raw id)", res.CanonicalOrdinal)
	}
}

func TestResolveBackfillsEmptyFieldsOnly(t *testing.T) {
	t.Parallel()

	results := resolveFixture()
	res := Resolve(results, []int{0, 1, 2})
	if !res.HasPatch {
		t.Fatal("expected a backfill patch")
	}

	patch := res.Patch
	if patch.ProcessedResultID != 10 {
		t.Fatalf("patch targets result %d, want 10", patch.ProcessedResultID)
	}
	// Canonical already has a file type; the patch must not touch it.
	if patch.FileType != nil {
		t.Fatalf("populated field overwritten: file type %q", *patch.FileType)
	}
	if patch.Snippet == nil || *patch.Snippet != results[1].Snippet {
		t.Fatalf("snippet not backfilled from best donor: %+v", patch.Snippet)
	}
	if patch.PublicationYear == nil || *patch.PublicationYear != 2021 {
		t.Fatalf("publication year not backfilled: %+v", patch.PublicationYear)
	}
	if patch.SourceOrg == nil || *patch.SourceOrg != "Example University" {
		t.Fatalf("source org not backfilled: %+v", patch.SourceOrg)
	}
	if patch.HasFullText == nil || !*patch.HasFullText {
		t.Fatalf("full-text flag not backfilled: %+v", patch.HasFullText)
	}
	if patch.Language == nil || *patch.Language != "en" {
		t.Fatalf("language not backfilled: %+v", patch.Language)
	}
}

func TestResolveNoPatchWhenCanonicalComplete(t *testing.T) {
	t.Parallel()

	year := 2020
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	results := []db.ProcessedResult{
		{
			ProcessedResultID: 1,
			RawResultID:       1,
			QualityScore:      9.0,
			Snippet:           "complete",
			FileType:          "pdf",
			Language:          "en",
			PublicationYear:   &year,
			SourceOrg:         "WHO",
			HasFullText:       true,
			IsAcademic:        true,
			ProcessedAt:       at,
		},
		{ProcessedResultID: 2, RawResultID: 2, QualityScore: 1.0, ProcessedAt: at},
	}

	if res := Resolve(results, []int{0, 1}); res.HasPatch {
		t.Fatalf("unexpected patch for complete canonical: %+v", res.Patch)
	}
}

func TestResolveAggregatesDistinctSources(t *testing.T) {
	t.Parallel()

	results := resolveFixture()
	res := Resolve(results, []int{0, 1, 2})
	if want := []string{"google_scholar", "pubmed"}; !reflect.DeepEqual(res.Sources, want) {
		t.Fatalf("sources = %v, want %v", res.Sources, want)
	}
}
