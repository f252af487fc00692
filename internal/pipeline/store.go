package pipeline

import (
	"context"
	"time"

	"siftworks.dev/sift/internal/db"
)

// Store is the persistence surface the orchestrator runs against. *db.Pool
// implements it; tests use an in-memory fake.
type Store interface {
	GetOrCreateUnit(ctx context.Context, sessionUUID string) (db.ProcessingUnit, error)
	GetUnitBySession(ctx context.Context, sessionUUID string) (db.ProcessingUnit, error)
	GetUnitByUUID(ctx context.Context, unitUUID string) (db.ProcessingUnit, error)
	GetUnit(ctx context.Context, unitID int64) (db.ProcessingUnit, error)
	ClaimUnit(ctx context.Context, unitID int64, runToken string, now time.Time) (bool, error)
	Checkpoint(ctx context.Context, unitID int64, runToken string, cp db.Checkpoint) (bool, error)
	FinishUnit(ctx context.Context, unitID int64, runToken, status string, now time.Time) (bool, error)
	CancelRequested(ctx context.Context, unitID int64) (bool, error)
	RequestCancel(ctx context.Context, unitUUID string, now time.Time) (bool, error)
	RequestRetry(ctx context.Context, unitUUID string, maxRetries int, now time.Time) (bool, error)
	StaleUnits(ctx context.Context, cutoff time.Time, limit int) ([]db.ProcessingUnit, error)
	RequeueStaleUnits(ctx context.Context, cutoff time.Time, now time.Time) (int, error)

	CountRawResults(ctx context.Context, unitID int64) (int, error)
	NextRawBatch(ctx context.Context, unitID, afterID int64, limit int) ([]db.RawResult, error)
	PersistBatch(ctx context.Context, unitID int64, runToken string, results []db.ProcessedResult, errs []db.UnitError, cp db.Checkpoint) (bool, error)
	ListProcessedResults(ctx context.Context, unitID int64) ([]db.ProcessedResult, error)
	ReplaceGroups(ctx context.Context, unitID int64, runToken string, groups []db.GroupWrite, patches []db.ResultPatch, now time.Time) (bool, error)
	ListGroups(ctx context.Context, unitID int64) ([]db.DuplicateGroup, error)
	ListGroupMembers(ctx context.Context, unitID int64) ([]db.DuplicateGroupMember, error)

	AppendUnitError(ctx context.Context, unitID int64, occurredAt time.Time, message, context string) error
	ListUnitErrors(ctx context.Context, unitID int64, limit int) ([]db.UnitError, error)
}

var _ Store = (*db.Pool)(nil)
