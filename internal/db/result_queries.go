package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GroupWrite is one duplicate group as the finalization stage wants it
// persisted. Members include the canonical record.
type GroupWrite struct {
	CanonicalResultID int64
	Sources           []string
	Members           []GroupMemberWrite
}

type GroupMemberWrite struct {
	ProcessedResultID int64
	MatchType         string
	MatchScore        *float64
	IsDuplicate       bool
}

// ResultPatch backfills canonical-record fields merged from group
// siblings. Nil fields are left untouched.
type ResultPatch struct {
	ProcessedResultID int64
	Snippet           *string
	FileType          *string
	Language          *string
	PublicationYear   *int
	SourceOrg         *string
	HasFullText       *bool
	IsAcademic        *bool
}

// CountRawResults returns the total raw results feeding a unit.
func (p *Pool) CountRawResults(ctx context.Context, unitID int64) (int, error) {
	const q = `SELECT COUNT(*) FROM sift.raw_results WHERE unit_id = $1`
	var count int
	if err := p.QueryRow(ctx, q, unitID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count raw results unit %d: %w", unitID, err)
	}
	return count, nil
}

// NextRawBatch returns raw results after the cursor that do not yet have
// a processed record, in stable creation order. The anti-join makes a
// resumed run skip finished work; the cursor makes the in-run loop move
// past items that errored instead of refetching them.
func (p *Pool) NextRawBatch(ctx context.Context, unitID, afterID int64, limit int) ([]RawResult, error) {
	const q = `
SELECT
	rr.raw_result_id,
	rr.raw_result_uuid::text,
	rr.unit_id,
	rr.title,
	rr.url,
	rr.snippet,
	rr.source_engine,
	rr.position,
	rr.raw_payload,
	rr.created_at
FROM sift.raw_results rr
WHERE rr.unit_id = $1
  AND rr.raw_result_id > $2
  AND NOT EXISTS (
	SELECT 1
	FROM sift.processed_results pr
	WHERE pr.raw_result_id = rr.raw_result_id
)
ORDER BY rr.raw_result_id
LIMIT $3
`
	rows, err := p.Query(ctx, q, unitID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("select raw batch unit %d: %w", unitID, err)
	}
	defer rows.Close()

	var batch []RawResult
	for rows.Next() {
		var r RawResult
		var payload []byte
		if err := rows.Scan(
			&r.RawResultID,
			&r.RawResultUUID,
			&r.UnitID,
			&r.Title,
			&r.URL,
			&r.Snippet,
			&r.SourceEngine,
			&r.Position,
			&payload,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan raw result: %w", err)
		}
		r.RawPayload = json.RawMessage(payload)
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw batch: %w", err)
	}
	return batch, nil
}

// PersistBatch writes one normalization batch atomically: processed rows,
// error-log entries, and the unit's counters/heartbeat. Returns false
// without writing when runToken no longer owns the unit.
func (p *Pool) PersistBatch(ctx context.Context, unitID int64, runToken string, results []ProcessedResult, errs []UnitError, cp Checkpoint) (bool, error) {
	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin batch tx: %w", err)
	}

	owned, err := unitOwnedTx(ctx, tx, unitID, runToken)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}
	if !owned {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	const insertResult = `
INSERT INTO sift.processed_results (
	unit_id,
	raw_result_id,
	normalized_url,
	source_domain,
	title,
	snippet,
	source_engine,
	file_type,
	language,
	publication_year,
	source_org,
	has_full_text,
	is_academic,
	quality_score,
	processed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (raw_result_id) DO NOTHING
`
	for _, r := range results {
		if _, err := tx.Exec(
			ctx,
			insertResult,
			unitID,
			r.RawResultID,
			r.NormalizedURL,
			r.SourceDomain,
			r.Title,
			r.Snippet,
			r.SourceEngine,
			r.FileType,
			r.Language,
			r.PublicationYear,
			r.SourceOrg,
			r.HasFullText,
			r.IsAcademic,
			r.QualityScore,
			r.ProcessedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return false, fmt.Errorf("insert processed result raw_result_id=%d: %w", r.RawResultID, err)
		}
	}

	const insertErr = `
INSERT INTO sift.unit_errors (unit_id, occurred_at, message, context)
VALUES ($1, $2, $3, $4)
`
	for _, e := range errs {
		if _, err := tx.Exec(ctx, insertErr, unitID, e.OccurredAt, e.Message, e.Context); err != nil {
			_ = tx.Rollback(ctx)
			return false, fmt.Errorf("insert unit error: %w", err)
		}
	}

	if err := checkpointTx(ctx, tx, unitID, runToken, cp); err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("commit batch tx: %w", err)
	}
	return true, nil
}

// ListProcessedResults returns a unit's processed set in processing order.
func (p *Pool) ListProcessedResults(ctx context.Context, unitID int64) ([]ProcessedResult, error) {
	const q = `
SELECT
	processed_result_id,
	processed_result_uuid::text,
	unit_id,
	raw_result_id,
	normalized_url,
	source_domain,
	title,
	snippet,
	source_engine,
	file_type,
	language,
	publication_year,
	source_org,
	has_full_text,
	is_academic,
	quality_score,
	duplicate_group_id,
	is_duplicate,
	processed_at
FROM sift.processed_results
WHERE unit_id = $1
ORDER BY processed_result_id
`
	rows, err := p.Query(ctx, q, unitID)
	if err != nil {
		return nil, fmt.Errorf("list processed results unit %d: %w", unitID, err)
	}
	defer rows.Close()

	var results []ProcessedResult
	for rows.Next() {
		var r ProcessedResult
		if err := rows.Scan(
			&r.ProcessedResultID,
			&r.ProcessedResultUUID,
			&r.UnitID,
			&r.RawResultID,
			&r.NormalizedURL,
			&r.SourceDomain,
			&r.Title,
			&r.Snippet,
			&r.SourceEngine,
			&r.FileType,
			&r.Language,
			&r.PublicationYear,
			&r.SourceOrg,
			&r.HasFullText,
			&r.IsAcademic,
			&r.QualityScore,
			&r.DuplicateGroupID,
			&r.IsDuplicate,
			&r.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("scan processed result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed results: %w", err)
	}
	return results, nil
}

// ReplaceGroups rewrites a unit's duplicate groups in one transaction:
// existing groups are dissolved, duplicate flags reset, then the new
// groups, memberships, flags and canonical backfills applied. Re-running
// with the same input converges to the same rows.
func (p *Pool) ReplaceGroups(ctx context.Context, unitID int64, runToken string, groups []GroupWrite, patches []ResultPatch, now time.Time) (bool, error) {
	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin groups tx: %w", err)
	}

	owned, err := unitOwnedTx(ctx, tx, unitID, runToken)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}
	if !owned {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	const resetResults = `
UPDATE sift.processed_results
SET duplicate_group_id = NULL, is_duplicate = false, updated_at = $2
WHERE unit_id = $1
`
	if _, err := tx.Exec(ctx, resetResults, unitID, now); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("reset duplicate flags unit %d: %w", unitID, err)
	}

	const dropMembers = `
DELETE FROM sift.duplicate_group_members
WHERE duplicate_group_id IN (
	SELECT duplicate_group_id FROM sift.duplicate_groups WHERE unit_id = $1
)
`
	if _, err := tx.Exec(ctx, dropMembers, unitID); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("drop group members unit %d: %w", unitID, err)
	}

	const dropGroups = `DELETE FROM sift.duplicate_groups WHERE unit_id = $1`
	if _, err := tx.Exec(ctx, dropGroups, unitID); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("drop groups unit %d: %w", unitID, err)
	}

	for _, g := range groups {
		groupID, err := insertGroupTx(ctx, tx, unitID, g, now)
		if err != nil {
			_ = tx.Rollback(ctx)
			return false, err
		}

		const insertMember = `
INSERT INTO sift.duplicate_group_members (duplicate_group_id, processed_result_id, match_type, match_score, matched_at)
VALUES ($1, $2, $3, $4, $5)
`
		const flagResult = `
UPDATE sift.processed_results
SET duplicate_group_id = $2, is_duplicate = $3, updated_at = $4
WHERE processed_result_id = $1
`
		for _, m := range g.Members {
			if _, err := tx.Exec(ctx, insertMember, groupID, m.ProcessedResultID, m.MatchType, m.MatchScore, now); err != nil {
				_ = tx.Rollback(ctx)
				return false, fmt.Errorf("insert group member result=%d: %w", m.ProcessedResultID, err)
			}
			if _, err := tx.Exec(ctx, flagResult, m.ProcessedResultID, groupID, m.IsDuplicate, now); err != nil {
				_ = tx.Rollback(ctx)
				return false, fmt.Errorf("flag group member result=%d: %w", m.ProcessedResultID, err)
			}
		}
	}

	for _, patch := range patches {
		if err := applyResultPatchTx(ctx, tx, patch, now); err != nil {
			_ = tx.Rollback(ctx)
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("commit groups tx: %w", err)
	}
	return true, nil
}

func insertGroupTx(ctx context.Context, tx Tx, unitID int64, g GroupWrite, now time.Time) (int64, error) {
	sourcesJSON, err := json.Marshal(g.Sources)
	if err != nil {
		return 0, fmt.Errorf("marshal group sources: %w", err)
	}

	const q = `
INSERT INTO sift.duplicate_groups (unit_id, canonical_result_id, member_count, sources, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $5)
RETURNING duplicate_group_id
`
	var groupID int64
	if err := tx.QueryRow(ctx, q, unitID, g.CanonicalResultID, len(g.Members), string(sourcesJSON), now).Scan(&groupID); err != nil {
		return 0, fmt.Errorf("insert duplicate group unit %d: %w", unitID, err)
	}
	return groupID, nil
}

func applyResultPatchTx(ctx context.Context, tx Tx, patch ResultPatch, now time.Time) error {
	const q = `
UPDATE sift.processed_results
SET
	snippet = COALESCE($2, snippet),
	file_type = COALESCE($3, file_type),
	language = COALESCE($4, language),
	publication_year = COALESCE($5, publication_year),
	source_org = COALESCE($6, source_org),
	has_full_text = COALESCE($7, has_full_text),
	is_academic = COALESCE($8, is_academic),
	updated_at = $9
WHERE processed_result_id = $1
`
	_, err := tx.Exec(
		ctx,
		q,
		patch.ProcessedResultID,
		patch.Snippet,
		patch.FileType,
		patch.Language,
		patch.PublicationYear,
		patch.SourceOrg,
		patch.HasFullText,
		patch.IsAcademic,
		now,
	)
	if err != nil {
		return fmt.Errorf("patch processed result %d: %w", patch.ProcessedResultID, err)
	}
	return nil
}

// ListGroups returns a unit's duplicate groups with member counts.
func (p *Pool) ListGroups(ctx context.Context, unitID int64) ([]DuplicateGroup, error) {
	const q = `
SELECT
	duplicate_group_id,
	duplicate_group_uuid::text,
	unit_id,
	canonical_result_id,
	member_count,
	sources,
	created_at,
	updated_at
FROM sift.duplicate_groups
WHERE unit_id = $1
ORDER BY duplicate_group_id
`
	rows, err := p.Query(ctx, q, unitID)
	if err != nil {
		return nil, fmt.Errorf("list groups unit %d: %w", unitID, err)
	}
	defer rows.Close()

	var groups []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		var sources []byte
		if err := rows.Scan(
			&g.DuplicateGroupID,
			&g.DuplicateGroupUUID,
			&g.UnitID,
			&g.CanonicalResultID,
			&g.MemberCount,
			&sources,
			&g.CreatedAt,
			&g.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan duplicate group: %w", err)
		}
		g.Sources = json.RawMessage(sources)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// ListGroupMembers returns the memberships of every group in a unit,
// ordered by group then result.
func (p *Pool) ListGroupMembers(ctx context.Context, unitID int64) ([]DuplicateGroupMember, error) {
	const q = `
SELECT m.duplicate_group_id, m.processed_result_id, m.match_type, m.match_score, m.matched_at
FROM sift.duplicate_group_members m
JOIN sift.duplicate_groups g ON g.duplicate_group_id = m.duplicate_group_id
WHERE g.unit_id = $1
ORDER BY m.duplicate_group_id, m.processed_result_id
`
	rows, err := p.Query(ctx, q, unitID)
	if err != nil {
		return nil, fmt.Errorf("list group members unit %d: %w", unitID, err)
	}
	defer rows.Close()

	var members []DuplicateGroupMember
	for rows.Next() {
		var m DuplicateGroupMember
		if err := rows.Scan(&m.DuplicateGroupID, &m.ProcessedResultID, &m.MatchType, &m.MatchScore, &m.MatchedAt); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return members, nil
}

func unitOwnedTx(ctx context.Context, tx Tx, unitID int64, runToken string) (bool, error) {
	const q = `
SELECT 1
FROM sift.processing_units
WHERE unit_id = $1
  AND run_token = $2::uuid
  AND status = 'in_progress'
FOR UPDATE
`
	var one int
	if err := tx.QueryRow(ctx, q, unitID, runToken).Scan(&one); err != nil {
		if IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("check unit ownership %d: %w", unitID, err)
	}
	return true, nil
}

func checkpointTx(ctx context.Context, tx Tx, unitID int64, runToken string, cp Checkpoint) error {
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
	if _, err := tx.Exec(ctx, q, unitID, runToken, cp.Stage, cp.Progress, cp.TotalRaw, cp.ProcessedCount, cp.ErrorCount, cp.DuplicateCount, cp.HeartbeatAt); err != nil {
		return fmt.Errorf("checkpoint unit %d in tx: %w", unitID, err)
	}
	return nil
}
