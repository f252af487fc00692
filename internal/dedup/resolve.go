package dedup

import (
	"sort"

	"siftworks.dev/sift/internal/db"
)

// Resolution is the outcome of merging one duplicate group: the canonical
// member, the distinct source engines across members, and the field
// backfill for the canonical record.
type Resolution struct {
	CanonicalOrdinal int
	Sources          []string
	Patch            db.ResultPatch
	HasPatch         bool
}

// Resolve picks the canonical member of a group and merges sibling fields
// into it. Canonical selection: highest quality score, ties broken by
// earliest processed timestamp, then lowest raw result id, so re-running
// dedup keeps the same pick. Backfill never
// overwrites a populated canonical field and prefers better-scoring
// siblings as donors.
func Resolve(results []db.ProcessedResult, group []int) Resolution {
	ranked := append([]int(nil), group...)
	sort.Slice(ranked, func(i, j int) bool {
		return betterCanonical(results[ranked[i]], results[ranked[j]])
	})

	canonicalOrdinal := ranked[0]
	canonical := results[canonicalOrdinal]

	seen := make(map[string]struct{}, len(group))
	sources := make([]string, 0, len(group))
	for _, ordinal := range group {
		engine := results[ordinal].SourceEngine
		if engine == "" {
			continue
		}
		if _, ok := seen[engine]; ok {
			continue
		}
		seen[engine] = struct{}{}
		sources = append(sources, engine)
	}
	sort.Strings(sources)

	patch := db.ResultPatch{ProcessedResultID: canonical.ProcessedResultID}
	hasPatch := false
	for _, ordinal := range ranked[1:] {
		donor := results[ordinal]

		if canonical.Snippet == "" && patch.Snippet == nil && donor.Snippet != "" {
			snippet := donor.Snippet
			patch.Snippet = &snippet
			hasPatch = true
		}
		if canonical.FileType == "" && patch.FileType == nil && donor.FileType != "" {
			fileType := donor.FileType
			patch.FileType = &fileType
			hasPatch = true
		}
		if canonical.Language == "" && patch.Language == nil && donor.Language != "" {
			lang := donor.Language
			patch.Language = &lang
			hasPatch = true
		}
		if canonical.PublicationYear == nil && patch.PublicationYear == nil && donor.PublicationYear != nil {
			year := *donor.PublicationYear
			patch.PublicationYear = &year
			hasPatch = true
		}
		if canonical.SourceOrg == "" && patch.SourceOrg == nil && donor.SourceOrg != "" {
			org := donor.SourceOrg
			patch.SourceOrg = &org
			hasPatch = true
		}
		if !canonical.HasFullText && patch.HasFullText == nil && donor.HasFullText {
			hasFullText := true
			patch.HasFullText = &hasFullText
			hasPatch = true
		}
		if !canonical.IsAcademic && patch.IsAcademic == nil && donor.IsAcademic {
			isAcademic := true
			patch.IsAcademic = &isAcademic
			hasPatch = true
		}
	}

	return Resolution{
		CanonicalOrdinal: canonicalOrdinal,
		Sources:          sources,
		Patch:            patch,
		HasPatch:         hasPatch,
	}
}

func betterCanonical(a, b db.ProcessedResult) bool {
	if a.QualityScore != b.QualityScore {
		return a.QualityScore > b.QualityScore
	}
	if !a.ProcessedAt.Equal(b.ProcessedAt) {
		return a.ProcessedAt.Before(b.ProcessedAt)
	}
	return a.RawResultID < b.RawResultID
}
