package pipeline

import (
	"testing"

	"siftworks.dev/sift/internal/db"
)

func TestStageProgressSpans(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stage       string
		done, total int
		want        int
	}{
		{db.StageNormalization, 0, 100, 0},
		{db.StageNormalization, 50, 100, 37},
		{db.StageNormalization, 100, 100, 75},
		{db.StageDeduplication, 0, 1, 75},
		{db.StageDeduplication, 1, 1, 95},
		{db.StageFinalization, 0, 1, 95},
		{db.StageFinalization, 1, 1, 100},
		{db.StageNormalization, 0, 0, 75},
		{"unknown", 1, 1, 0},
	}
	for _, tc := range cases {
		if got := stageProgress(tc.stage, tc.done, tc.total); got != tc.want {
			t.Fatalf("stageProgress(%q, %d, %d) = %d, want %d", tc.stage, tc.done, tc.total, got, tc.want)
		}
	}
}

func TestStageProgressNeverOvershoots(t *testing.T) {
	t.Parallel()

	if got := stageProgress(db.StageNormalization, 200, 100); got != 75 {
		t.Fatalf("overshoot: got %d, want 75", got)
	}
}
