package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Checkpoint is the between-batches state write. Every field is applied in
// one UPDATE guarded by the run token, so a stale run cannot clobber a
// newer owner.
type Checkpoint struct {
	Stage          string
	Progress       int
	TotalRaw       int
	ProcessedCount int
	ErrorCount     int
	DuplicateCount int
	HeartbeatAt    time.Time
}

// GetOrCreateUnit returns the processing unit for a session, creating it
// lazily on first use.
func (p *Pool) GetOrCreateUnit(ctx context.Context, sessionUUID string) (ProcessingUnit, error) {
	session := strings.TrimSpace(sessionUUID)
	if session == "" {
		return ProcessingUnit{}, fmt.Errorf("session uuid must not be empty")
	}

	const insert = `
INSERT INTO sift.processing_units (session_uuid, status, stage, created_at, updated_at)
VALUES ($1::uuid, 'pending', 'normalization', now(), now())
ON CONFLICT (session_uuid) DO NOTHING
`
	if _, err := p.Exec(ctx, insert, session); err != nil {
		return ProcessingUnit{}, fmt.Errorf("insert processing unit session=%s: %w", session, err)
	}

	return p.GetUnitBySession(ctx, session)
}

func (p *Pool) GetUnitBySession(ctx context.Context, sessionUUID string) (ProcessingUnit, error) {
	return p.getUnit(ctx, "session_uuid = $1::uuid", strings.TrimSpace(sessionUUID))
}

func (p *Pool) GetUnitByUUID(ctx context.Context, unitUUID string) (ProcessingUnit, error) {
	return p.getUnit(ctx, "unit_uuid = $1::uuid", strings.TrimSpace(unitUUID))
}

func (p *Pool) GetUnit(ctx context.Context, unitID int64) (ProcessingUnit, error) {
	return p.getUnit(ctx, "unit_id = $1", unitID)
}

func (p *Pool) getUnit(ctx context.Context, where string, arg any) (ProcessingUnit, error) {
	q := fmt.Sprintf(`
SELECT
	unit_id,
	unit_uuid::text,
	session_uuid::text,
	status,
	stage,
	progress,
	total_raw,
	processed_count,
	error_count,
	duplicate_count,
	run_token::text,
	retry_count,
	cancel_requested,
	started_at,
	heartbeat_at,
	completed_at,
	created_at,
	updated_at
FROM sift.processing_units
WHERE %s
LIMIT 1
`, where)

	var unit ProcessingUnit
	err := p.QueryRow(ctx, q, arg).Scan(
		&unit.UnitID,
		&unit.UnitUUID,
		&unit.SessionUUID,
		&unit.Status,
		&unit.Stage,
		&unit.Progress,
		&unit.TotalRaw,
		&unit.ProcessedCount,
		&unit.ErrorCount,
		&unit.DuplicateCount,
		&unit.RunToken,
		&unit.RetryCount,
		&unit.CancelRequested,
		&unit.StartedAt,
		&unit.HeartbeatAt,
		&unit.CompletedAt,
		&unit.CreatedAt,
		&unit.UpdatedAt,
	)
	if err != nil {
		return ProcessingUnit{}, err
	}
	return unit, nil
}

// ClaimUnit moves a pending unit to in_progress under the run token. A
// unit already in_progress under the same token can be reclaimed, so a
// run retrying a transient failure re-enters cleanly; a reclaim keeps
// the checkpointed progress instead of resetting it. Returns false when
// the unit is not claimable (running elsewhere, done, or failed awaiting
// retry).
func (p *Pool) ClaimUnit(ctx context.Context, unitID int64, runToken string, now time.Time) (bool, error) {
	const q = `
UPDATE sift.processing_units
SET
	status = 'in_progress',
	stage = 'normalization',
	progress = CASE WHEN status = 'pending' THEN 0 ELSE progress END,
	run_token = $2::uuid,
	cancel_requested = false,
	started_at = COALESCE(started_at, $3),
	heartbeat_at = $3,
	updated_at = $3
WHERE unit_id = $1
  AND (status = 'pending' OR (status = 'in_progress' AND run_token = $2::uuid))
`
	tag, err := p.Exec(ctx, q, unitID, runToken, now)
	if err != nil {
		return false, fmt.Errorf("claim unit %d: %w", unitID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Checkpoint persists counts, stage, progress and heartbeat. Returns false
// when the run token no longer owns the unit.
func (p *Pool) Checkpoint(ctx context.Context, unitID int64, runToken string, cp Checkpoint) (bool, error) {
	const q = `
UPDATE sift.processing_units
SET
	stage = $3,
	progress = GREATEST(progress, $4),
	total_raw = $5,
	processed_count = $6,
	error_count = $7,
	duplicate_count = $8,
	heartbeat_at = $9,
	updated_at = $9
WHERE unit_id = $1
  AND run_token = $2::uuid
  AND status = 'in_progress'
`
	tag, err := p.Exec(ctx, q, unitID, runToken, cp.Stage, cp.Progress, cp.TotalRaw, cp.ProcessedCount, cp.ErrorCount, cp.DuplicateCount, cp.HeartbeatAt)
	if err != nil {
		return false, fmt.Errorf("checkpoint unit %d: %w", unitID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishUnit transitions an owned in_progress unit to completed or failed.
func (p *Pool) FinishUnit(ctx context.Context, unitID int64, runToken, status string, now time.Time) (bool, error) {
	if status != UnitStatusCompleted && status != UnitStatusFailed {
		return false, fmt.Errorf("finish unit %d: invalid terminal status %q", unitID, status)
	}

	progress := 100
	if status == UnitStatusFailed {
		progress = -1 // sentinel: keep whatever progress was reached
	}

	const q = `
UPDATE sift.processing_units
SET
	status = $3,
	progress = CASE WHEN $4 >= 0 THEN $4 ELSE progress END,
	completed_at = CASE WHEN $3 = 'completed' THEN $5 ELSE completed_at END,
	heartbeat_at = $5,
	updated_at = $5
WHERE unit_id = $1
  AND run_token = $2::uuid
  AND status = 'in_progress'
`
	tag, err := p.Exec(ctx, q, unitID, runToken, status, progress, now)
	if err != nil {
		return false, fmt.Errorf("finish unit %d: %w", unitID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRequested re-reads the cancellation flag; the orchestrator polls
// this between batches.
func (p *Pool) CancelRequested(ctx context.Context, unitID int64) (bool, error) {
	const q = `SELECT cancel_requested FROM sift.processing_units WHERE unit_id = $1`
	var requested bool
	if err := p.QueryRow(ctx, q, unitID).Scan(&requested); err != nil {
		return false, fmt.Errorf("read cancel flag unit %d: %w", unitID, err)
	}
	return requested, nil
}

// RequestCancel flags a running unit for cancellation at the next batch
// boundary.
func (p *Pool) RequestCancel(ctx context.Context, unitUUID string, now time.Time) (bool, error) {
	const q = `
UPDATE sift.processing_units
SET cancel_requested = true, updated_at = $2
WHERE unit_uuid = $1::uuid
  AND status = 'in_progress'
`
	tag, err := p.Exec(ctx, q, strings.TrimSpace(unitUUID), now)
	if err != nil {
		return false, fmt.Errorf("request cancel unit %s: %w", unitUUID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestRetry moves a failed unit back to pending and counts the attempt.
// maxRetries bounds how often this can succeed.
func (p *Pool) RequestRetry(ctx context.Context, unitUUID string, maxRetries int, now time.Time) (bool, error) {
	const q = `
UPDATE sift.processing_units
SET
	status = 'pending',
	retry_count = retry_count + 1,
	cancel_requested = false,
	run_token = NULL,
	updated_at = $3
WHERE unit_uuid = $1::uuid
  AND status = 'failed'
  AND retry_count < $2
`
	tag, err := p.Exec(ctx, q, strings.TrimSpace(unitUUID), maxRetries, now)
	if err != nil {
		return false, fmt.Errorf("request retry unit %s: %w", unitUUID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendUnitError records one entry in the unit's ordered error log.
func (p *Pool) AppendUnitError(ctx context.Context, unitID int64, occurredAt time.Time, message, context string) error {
	const q = `
INSERT INTO sift.unit_errors (unit_id, occurred_at, message, context)
VALUES ($1, $2, $3, $4)
`
	if _, err := p.Exec(ctx, q, unitID, occurredAt, message, context); err != nil {
		return fmt.Errorf("append unit error unit %d: %w", unitID, err)
	}
	return nil
}

// ListUnitErrors returns the error log, oldest first.
func (p *Pool) ListUnitErrors(ctx context.Context, unitID int64, limit int) ([]UnitError, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT unit_error_id, unit_id, occurred_at, message, context
FROM sift.unit_errors
WHERE unit_id = $1
ORDER BY unit_error_id
LIMIT $2
`
	rows, err := p.Query(ctx, q, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unit errors unit %d: %w", unitID, err)
	}
	defer rows.Close()

	var entries []UnitError
	for rows.Next() {
		var e UnitError
		if err := rows.Scan(&e.UnitErrorID, &e.UnitID, &e.OccurredAt, &e.Message, &e.Context); err != nil {
			return nil, fmt.Errorf("scan unit error: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit errors: %w", err)
	}
	return entries, nil
}

// StaleUnits returns in_progress units whose heartbeat is older than the
// timeout, for the supervising retry surface.
func (p *Pool) StaleUnits(ctx context.Context, cutoff time.Time, limit int) ([]ProcessingUnit, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT unit_id, unit_uuid::text, session_uuid::text, status, stage, progress, heartbeat_at
FROM sift.processing_units
WHERE status = 'in_progress'
  AND heartbeat_at IS NOT NULL
  AND heartbeat_at < $1
ORDER BY heartbeat_at
LIMIT $2
`
	rows, err := p.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale units: %w", err)
	}
	defer rows.Close()

	var units []ProcessingUnit
	for rows.Next() {
		var u ProcessingUnit
		if err := rows.Scan(&u.UnitID, &u.UnitUUID, &u.SessionUUID, &u.Status, &u.Stage, &u.Progress, &u.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan stale unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale units: %w", err)
	}
	return units, nil
}

// RequeueStaleUnits releases in_progress units whose owner stopped
// heartbeating, moving them back to pending so the next runner picks
// them up. Returns how many units were released.
func (p *Pool) RequeueStaleUnits(ctx context.Context, cutoff time.Time, now time.Time) (int, error) {
	const q = `
UPDATE sift.processing_units
SET status = 'pending', run_token = NULL, updated_at = $2
WHERE status = 'in_progress'
  AND heartbeat_at IS NOT NULL
  AND heartbeat_at < $1
`
	tag, err := p.Exec(ctx, q, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale units: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
