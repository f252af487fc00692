package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"siftworks.dev/sift/internal/db"
)

// Notifier receives terminal unit transitions. The default implementation
// just logs; a deployment can plug in webhooks or a message bus.
type Notifier interface {
	UnitFinished(ctx context.Context, unit db.ProcessingUnit, status string)
}

type logNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier returns a Notifier that writes one structured log line
// per terminal transition.
func NewLogNotifier(log zerolog.Logger) Notifier {
	return logNotifier{log: log}
}

func (n logNotifier) UnitFinished(_ context.Context, unit db.ProcessingUnit, status string) {
	n.log.Info().
		Str("unit_uuid", unit.UnitUUID).
		Str("session_uuid", unit.SessionUUID).
		Str("status", status).
		Int("processed", unit.ProcessedCount).
		Int("errors", unit.ErrorCount).
		Int("duplicates", unit.DuplicateCount).
		Msg("processing unit finished")
}
