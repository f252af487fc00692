package pipeline

import "siftworks.dev/sift/internal/db"

// Stage spans on the unit's 0-100 progress scale. Normalization does the
// bulk of the work; dedup and finalization get fixed tail spans so
// progress keeps moving through them.
const (
	normalizationEnd = 75
	deduplicationEnd = 95
	progressDone     = 100
)

// stageProgress maps per-stage completion onto the unit scale. Progress
// is monotonic within a run: the storage layer additionally clamps with
// GREATEST so a replayed checkpoint can never move it backwards.
func stageProgress(stage string, done, total int) int {
	frac := 1.0
	if total > 0 {
		frac = float64(done) / float64(total)
		if frac > 1 {
			frac = 1
		}
	}

	switch stage {
	case db.StageNormalization:
		return int(frac * normalizationEnd)
	case db.StageDeduplication:
		return normalizationEnd + int(frac*(deduplicationEnd-normalizationEnd))
	case db.StageFinalization:
		return deduplicationEnd + int(frac*(progressDone-deduplicationEnd))
	default:
		return 0
	}
}
