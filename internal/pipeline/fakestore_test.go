package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"siftworks.dev/sift/internal/db"
)

// fakeStore is an in-memory Store with the same guard semantics as the
// SQL layer: run-token ownership, pending-only claims, GREATEST on
// progress. Hooks inject faults at the persist boundary.
type fakeStore struct {
	mu sync.Mutex

	units     map[int64]*db.ProcessingUnit
	bySession map[string]int64
	raws      map[int64][]db.RawResult
	processed map[int64][]db.ProcessedResult
	groups    map[int64][]fakeGroup
	unitErrs  map[int64][]db.UnitError

	nextUnitID   int64
	nextResultID int64
	nextGroupID  int64

	// fault injection, consumed under mu
	failPersists  int
	afterPersist  func(s *fakeStore, unitID int64)
	persistCalls  int
	checkpointLog []db.Checkpoint
}

type fakeGroup struct {
	group   db.DuplicateGroup
	members []db.DuplicateGroupMember
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		units:     make(map[int64]*db.ProcessingUnit),
		bySession: make(map[string]int64),
		raws:      make(map[int64][]db.RawResult),
		processed: make(map[int64][]db.ProcessedResult),
		groups:    make(map[int64][]fakeGroup),
		unitErrs:  make(map[int64][]db.UnitError),
	}
}

func (s *fakeStore) addRaw(unitID int64, title, url, snippet, engine string) db.RawResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextResultID++
	raw := db.RawResult{
		RawResultID:  s.nextResultID,
		UnitID:       unitID,
		Title:        title,
		URL:          url,
		Snippet:      snippet,
		SourceEngine: engine,
		CreatedAt:    time.Now().UTC(),
	}
	s.raws[unitID] = append(s.raws[unitID], raw)
	return raw
}

func (s *fakeStore) GetOrCreateUnit(_ context.Context, sessionUUID string) (db.ProcessingUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := strings.TrimSpace(sessionUUID)
	if id, ok := s.bySession[session]; ok {
		return *s.units[id], nil
	}
	s.nextUnitID++
	unit := &db.ProcessingUnit{
		UnitID:      s.nextUnitID,
		UnitUUID:    fmt.Sprintf("00000000-0000-0000-0000-%012d", s.nextUnitID),
		SessionUUID: session,
		Status:      db.UnitStatusPending,
		Stage:       db.StageNormalization,
		CreatedAt:   time.Now().UTC(),
	}
	s.units[unit.UnitID] = unit
	s.bySession[session] = unit.UnitID
	return *unit, nil
}

func (s *fakeStore) GetUnitBySession(_ context.Context, sessionUUID string) (db.ProcessingUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySession[strings.TrimSpace(sessionUUID)]
	if !ok {
		return db.ProcessingUnit{}, db.ErrNoRows
	}
	return *s.units[id], nil
}

func (s *fakeStore) GetUnitByUUID(_ context.Context, unitUUID string) (db.ProcessingUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.units {
		if u.UnitUUID == strings.TrimSpace(unitUUID) {
			return *u, nil
		}
	}
	return db.ProcessingUnit{}, db.ErrNoRows
}

func (s *fakeStore) GetUnit(_ context.Context, unitID int64) (db.ProcessingUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return db.ProcessingUnit{}, db.ErrNoRows
	}
	return *u, nil
}

func (s *fakeStore) ClaimUnit(_ context.Context, unitID int64, runToken string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return false, nil
	}
	reclaim := u.Status == db.UnitStatusInProgress && u.RunToken != nil && *u.RunToken == runToken
	if u.Status != db.UnitStatusPending && !reclaim {
		return false, nil
	}
	if u.Status == db.UnitStatusPending {
		u.Progress = 0
	}
	u.Status = db.UnitStatusInProgress
	u.Stage = db.StageNormalization
	token := runToken
	u.RunToken = &token
	u.CancelRequested = false
	if u.StartedAt == nil {
		started := now
		u.StartedAt = &started
	}
	heartbeat := now
	u.HeartbeatAt = &heartbeat
	return true, nil
}

func (s *fakeStore) owned(u *db.ProcessingUnit, runToken string) bool {
	return u != nil && u.Status == db.UnitStatusInProgress && u.RunToken != nil && *u.RunToken == runToken
}

func (s *fakeStore) applyCheckpoint(u *db.ProcessingUnit, cp db.Checkpoint) {
	u.Stage = cp.Stage
	if cp.Progress > u.Progress {
		u.Progress = cp.Progress
	}
	u.TotalRaw = cp.TotalRaw
	u.ProcessedCount = cp.ProcessedCount
	u.ErrorCount = cp.ErrorCount
	u.DuplicateCount = cp.DuplicateCount
	heartbeat := cp.HeartbeatAt
	u.HeartbeatAt = &heartbeat
	s.checkpointLog = append(s.checkpointLog, cp)
}

func (s *fakeStore) Checkpoint(_ context.Context, unitID int64, runToken string, cp db.Checkpoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.units[unitID]
	if !s.owned(u, runToken) {
		return false, nil
	}
	s.applyCheckpoint(u, cp)
	return true, nil
}

func (s *fakeStore) FinishUnit(_ context.Context, unitID int64, runToken, status string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.units[unitID]
	if !s.owned(u, runToken) {
		return false, nil
	}
	u.Status = status
	if status == db.UnitStatusCompleted {
		u.Progress = 100
		completed := now
		u.CompletedAt = &completed
	}
	heartbeat := now
	u.HeartbeatAt = &heartbeat
	return true, nil
}

func (s *fakeStore) CancelRequested(_ context.Context, unitID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return false, db.ErrNoRows
	}
	return u.CancelRequested, nil
}

func (s *fakeStore) RequestCancel(_ context.Context, unitUUID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.units {
		if u.UnitUUID == unitUUID && u.Status == db.UnitStatusInProgress {
			u.CancelRequested = true
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) RequestRetry(_ context.Context, unitUUID string, maxRetries int, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.units {
		if u.UnitUUID == unitUUID && u.Status == db.UnitStatusFailed && u.RetryCount < maxRetries {
			u.Status = db.UnitStatusPending
			u.RetryCount++
			u.CancelRequested = false
			u.RunToken = nil
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) StaleUnits(_ context.Context, cutoff time.Time, limit int) ([]db.ProcessingUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ProcessingUnit
	for _, u := range s.units {
		if u.Status == db.UnitStatusInProgress && u.HeartbeatAt != nil && u.HeartbeatAt.Before(cutoff) {
			out = append(out, *u)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) RequeueStaleUnits(_ context.Context, cutoff time.Time, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.units {
		if u.Status == db.UnitStatusInProgress && u.HeartbeatAt != nil && u.HeartbeatAt.Before(cutoff) {
			u.Status = db.UnitStatusPending
			u.RunToken = nil
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountRawResults(_ context.Context, unitID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raws[unitID]), nil
}

func (s *fakeStore) NextRawBatch(_ context.Context, unitID, afterID int64, limit int) ([]db.RawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(map[int64]struct{})
	for _, pr := range s.processed[unitID] {
		done[pr.RawResultID] = struct{}{}
	}
	var batch []db.RawResult
	for _, raw := range s.raws[unitID] {
		if raw.RawResultID <= afterID {
			continue
		}
		if _, ok := done[raw.RawResultID]; ok {
			continue
		}
		batch = append(batch, raw)
		if len(batch) == limit {
			break
		}
	}
	return batch, nil
}

func (s *fakeStore) PersistBatch(_ context.Context, unitID int64, runToken string, results []db.ProcessedResult, errs []db.UnitError, cp db.Checkpoint) (bool, error) {
	s.mu.Lock()
	s.persistCalls++
	if s.failPersists > 0 {
		s.failPersists--
		s.mu.Unlock()
		return false, fmt.Errorf("storage unavailable")
	}
	u := s.units[unitID]
	if !s.owned(u, runToken) {
		s.mu.Unlock()
		return false, nil
	}
	existing := make(map[int64]struct{})
	for _, pr := range s.processed[unitID] {
		existing[pr.RawResultID] = struct{}{}
	}
	for _, r := range results {
		if _, ok := existing[r.RawResultID]; ok {
			continue
		}
		s.nextResultID++
		r.ProcessedResultID = s.nextResultID
		s.processed[unitID] = append(s.processed[unitID], r)
	}
	s.unitErrs[unitID] = append(s.unitErrs[unitID], errs...)
	s.applyCheckpoint(u, cp)
	after := s.afterPersist
	s.mu.Unlock()

	if after != nil {
		after(s, unitID)
	}
	return true, nil
}

func (s *fakeStore) ListProcessedResults(_ context.Context, unitID int64) ([]db.ProcessedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]db.ProcessedResult(nil), s.processed[unitID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedResultID < out[j].ProcessedResultID })
	return out, nil
}

func (s *fakeStore) ReplaceGroups(_ context.Context, unitID int64, runToken string, groups []db.GroupWrite, patches []db.ResultPatch, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.units[unitID]
	if !s.owned(u, runToken) {
		return false, nil
	}

	stored := s.processed[unitID]
	for i := range stored {
		stored[i].DuplicateGroupID = nil
		stored[i].IsDuplicate = false
	}
	s.groups[unitID] = nil

	for _, g := range groups {
		s.nextGroupID++
		groupID := s.nextGroupID
		fg := fakeGroup{
			group: db.DuplicateGroup{
				DuplicateGroupID:  groupID,
				UnitID:            unitID,
				CanonicalResultID: g.CanonicalResultID,
				MemberCount:       len(g.Members),
				CreatedAt:         now,
				UpdatedAt:         now,
			},
		}
		for _, m := range g.Members {
			fg.members = append(fg.members, db.DuplicateGroupMember{
				DuplicateGroupID:  groupID,
				ProcessedResultID: m.ProcessedResultID,
				MatchType:         m.MatchType,
				MatchScore:        m.MatchScore,
			})
			for i := range stored {
				if stored[i].ProcessedResultID == m.ProcessedResultID {
					id := groupID
					stored[i].DuplicateGroupID = &id
					stored[i].IsDuplicate = m.IsDuplicate
				}
			}
		}
		s.groups[unitID] = append(s.groups[unitID], fg)
	}

	for _, p := range patches {
		for i := range stored {
			if stored[i].ProcessedResultID != p.ProcessedResultID {
				continue
			}
			if p.Snippet != nil {
				stored[i].Snippet = *p.Snippet
			}
			if p.FileType != nil {
				stored[i].FileType = *p.FileType
			}
			if p.Language != nil {
				stored[i].Language = *p.Language
			}
			if p.PublicationYear != nil {
				year := *p.PublicationYear
				stored[i].PublicationYear = &year
			}
			if p.SourceOrg != nil {
				stored[i].SourceOrg = *p.SourceOrg
			}
			if p.HasFullText != nil {
				stored[i].HasFullText = *p.HasFullText
			}
			if p.IsAcademic != nil {
				stored[i].IsAcademic = *p.IsAcademic
			}
		}
	}
	return true, nil
}

func (s *fakeStore) ListGroups(_ context.Context, unitID int64) ([]db.DuplicateGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.DuplicateGroup
	for _, fg := range s.groups[unitID] {
		out = append(out, fg.group)
	}
	return out, nil
}

func (s *fakeStore) ListGroupMembers(_ context.Context, unitID int64) ([]db.DuplicateGroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.DuplicateGroupMember
	for _, fg := range s.groups[unitID] {
		out = append(out, fg.members...)
	}
	return out, nil
}

func (s *fakeStore) AppendUnitError(_ context.Context, unitID int64, occurredAt time.Time, message, context string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitErrs[unitID] = append(s.unitErrs[unitID], db.UnitError{
		UnitID:     unitID,
		OccurredAt: occurredAt,
		Message:    message,
		Context:    context,
	})
	return nil
}

func (s *fakeStore) ListUnitErrors(_ context.Context, unitID int64, limit int) ([]db.UnitError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]db.UnitError(nil), s.unitErrs[unitID]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*fakeStore)(nil)
