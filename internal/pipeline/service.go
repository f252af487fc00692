package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"siftworks.dev/sift/internal/config"
	"siftworks.dev/sift/internal/db"
	"siftworks.dev/sift/internal/dedup"
	"siftworks.dev/sift/internal/extract"
	"siftworks.dev/sift/internal/globaltime"
	"siftworks.dev/sift/internal/normalize"
	"siftworks.dev/sift/internal/score"
	payloadschema "siftworks.dev/sift/schema"
)

// Service runs processing units end to end.
type Service struct {
	store    Store
	cfg      config.PipelineConfig
	log      zerolog.Logger
	notifier Notifier

	// sleep is swapped out in tests so backoff does not wall-block.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(store Store, cfg config.PipelineConfig, log zerolog.Logger, notifier Notifier) *Service {
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	return &Service{
		store:    store,
		cfg:      cfg,
		log:      log.With().Str("component", "pipeline").Logger(),
		notifier: notifier,
		sleep:    sleepContext,
	}
}

// withStep bounds one store interaction with the configured step
// timeout. An expiry while the parent context is still live is reported
// as a retryable step timeout rather than a caller abort.
func (s *Service) withStep(ctx context.Context, fn func(context.Context) error) error {
	if s.cfg.StepTimeout <= 0 {
		return fn(ctx)
	}
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	err := fn(stepCtx)
	if err != nil && ctx.Err() == nil && stepCtx.Err() != nil {
		return fmt.Errorf("%w: %v", errStepTimeout, err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ProcessSession resolves the session's unit, creating it on first use,
// and processes it.
func (s *Service) ProcessSession(ctx context.Context, sessionUUID string) (db.ProcessingUnit, error) {
	unit, err := s.store.GetOrCreateUnit(ctx, sessionUUID)
	if err != nil {
		return db.ProcessingUnit{}, err
	}
	if err := s.ProcessUnit(ctx, unit.UnitID); err != nil {
		return db.ProcessingUnit{}, err
	}
	return s.store.GetUnit(ctx, unit.UnitID)
}

// ProcessUnit drives one unit to a terminal state, retrying transient
// failures in place with exponential backoff. A unit that is already
// completed is a no-op; one that is running elsewhere or failed awaiting
// an explicit retry returns ErrNotClaimable.
func (s *Service) ProcessUnit(ctx context.Context, unitID int64) error {
	bo := backoff{Base: s.cfg.BackoffBase, Cap: s.cfg.BackoffCap}
	// One token for the whole run, including in-place retries: the claim
	// re-enters under the same token after a transient failure.
	token := uuid.NewString()

	var err error
	for attempt := 0; ; attempt++ {
		err = s.runOnce(ctx, unitID, token)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= s.cfg.MaxRetries {
			break
		}
		delay := bo.delay(attempt)
		s.log.Warn().
			Int64("unit_id", unitID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("transient failure, backing off")
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	s.markFailed(ctx, unitID, token, err)
	return err
}

// runOnce claims the unit under the run token and executes the stages.
// Every write is guarded by the token; a lost guard surfaces as
// ErrOwnershipLost and this run simply stops.
func (s *Service) runOnce(ctx context.Context, unitID int64, token string) error {
	now := globaltime.UTC()

	claimed, err := s.store.ClaimUnit(ctx, unitID, token, now)
	if err != nil {
		return fmt.Errorf("claim unit %d: %w", unitID, err)
	}
	if !claimed {
		unit, getErr := s.store.GetUnit(ctx, unitID)
		if getErr != nil {
			if errors.Is(getErr, db.ErrNoRows) {
				return ErrNotFound
			}
			return getErr
		}
		if unit.Status == db.UnitStatusCompleted {
			s.log.Debug().Int64("unit_id", unitID).Msg("unit already completed, nothing to do")
			return nil
		}
		return fmt.Errorf("unit %d is %s: %w", unitID, unit.Status, ErrNotClaimable)
	}

	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return fmt.Errorf("load claimed unit %d: %w", unitID, err)
	}
	log := s.log.With().Int64("unit_id", unitID).Str("run_token", token).Logger()
	log.Info().Str("session_uuid", unit.SessionUUID).Int("retry_count", unit.RetryCount).Msg("unit claimed")

	total, err := s.store.CountRawResults(ctx, unitID)
	if err != nil {
		return err
	}
	if total == 0 {
		return s.finish(ctx, unit, token, db.Checkpoint{
			Stage:       db.StageFinalization,
			Progress:    progressDone,
			HeartbeatAt: globaltime.UTC(),
		})
	}

	counts, err := s.normalizeStage(ctx, unit, token, total, log)
	if err != nil {
		return err
	}

	duplicates, err := s.dedupStage(ctx, unit, token, counts, total, log)
	if err != nil {
		return err
	}
	counts.duplicates = duplicates

	return s.finish(ctx, unit, token, db.Checkpoint{
		Stage:          db.StageFinalization,
		Progress:       progressDone,
		TotalRaw:       total,
		ProcessedCount: counts.processed,
		ErrorCount:     counts.errored,
		DuplicateCount: counts.duplicates,
		HeartbeatAt:    globaltime.UTC(),
	})
}

type runCounts struct {
	processed  int
	errored    int
	duplicates int
}

// normalizeStage consumes raw results in batches, fanning each batch out
// to item workers and persisting results, item errors and the checkpoint
// in one transaction. The cancel flag is polled between batches only.
func (s *Service) normalizeStage(ctx context.Context, unit db.ProcessingUnit, token string, total int, log zerolog.Logger) (runCounts, error) {
	counts := runCounts{processed: unit.ProcessedCount, errored: unit.ErrorCount}

	var cursor int64
	for {
		cancelled, err := s.store.CancelRequested(ctx, unit.UnitID)
		if err != nil {
			return counts, err
		}
		if cancelled {
			return counts, s.cancelRun(ctx, unit, token)
		}

		var batch []db.RawResult
		err = s.withStep(ctx, func(stepCtx context.Context) error {
			var fetchErr error
			batch, fetchErr = s.store.NextRawBatch(stepCtx, unit.UnitID, cursor, s.cfg.BatchSize)
			return fetchErr
		})
		if err != nil {
			return counts, err
		}
		if len(batch) == 0 {
			return counts, nil
		}
		cursor = batch[len(batch)-1].RawResultID

		results, itemErrs, err := s.processBatch(ctx, unit.UnitID, batch)
		if err != nil {
			return counts, err
		}
		counts.processed += len(results)
		counts.errored += len(itemErrs)

		cp := db.Checkpoint{
			Stage:          db.StageNormalization,
			Progress:       stageProgress(db.StageNormalization, counts.processed+counts.errored, total),
			TotalRaw:       total,
			ProcessedCount: counts.processed,
			ErrorCount:     counts.errored,
			HeartbeatAt:    globaltime.UTC(),
		}
		var owned bool
		err = s.withStep(ctx, func(stepCtx context.Context) error {
			var persistErr error
			owned, persistErr = s.store.PersistBatch(stepCtx, unit.UnitID, token, results, itemErrs, cp)
			return persistErr
		})
		if err != nil {
			return counts, fmt.Errorf("persist batch for unit %d: %w", unit.UnitID, err)
		}
		if !owned {
			return counts, ErrOwnershipLost
		}
		log.Debug().
			Int("batch", len(batch)).
			Int("processed", counts.processed).
			Int("errors", counts.errored).
			Msg("batch persisted")
	}
}

// processBatch fans the batch out to item workers and reassembles
// outputs in input order, so persisted rows and error logs are stable
// across runs regardless of scheduling. A context abort mid-dispatch
// drains the in-flight workers and returns the context error: nothing
// from a partially dispatched batch may be reported as processed.
func (s *Service) processBatch(ctx context.Context, unitID int64, batch []db.RawResult) ([]db.ProcessedResult, []db.UnitError, error) {
	type outcome struct {
		result db.ProcessedResult
		err    error
	}
	outcomes := make([]outcome, len(batch))

	workers := s.cfg.ItemWorkers
	if workers > len(batch) {
		workers = len(batch)
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				result, err := s.processItem(unitID, batch[i])
				outcomes[i] = outcome{result: result, err: err}
			}
		}()
	}
dispatch:
	for i := range batch {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	results := make([]db.ProcessedResult, 0, len(batch))
	var itemErrs []db.UnitError
	for i, out := range outcomes {
		if out.err != nil {
			itemErrs = append(itemErrs, db.UnitError{
				UnitID:     unitID,
				OccurredAt: globaltime.UTC(),
				Message:    out.err.Error(),
				Context:    fmt.Sprintf("raw_result_id=%d", batch[i].RawResultID),
			})
			continue
		}
		results = append(results, out.result)
	}
	return results, itemErrs, nil
}

// processItem turns one raw result into its processed record. A failure
// here is an item error: it is logged against the unit and the item is
// retried on the unit's next run.
func (s *Service) processItem(unitID int64, raw db.RawResult) (db.ProcessedResult, error) {
	title := strings.TrimSpace(raw.Title)
	rawURL := strings.TrimSpace(raw.URL)
	if rawURL == "" {
		return db.ProcessedResult{}, fmt.Errorf("raw result has no url")
	}
	if len(raw.RawPayload) > 0 {
		if _, err := payloadschema.ValidateRawPayload(raw.RawPayload); err != nil {
			return db.ProcessedResult{}, fmt.Errorf("invalid raw payload: %w", err)
		}
	}

	normalized, err := normalize.URL(rawURL)
	if err != nil {
		return db.ProcessedResult{}, fmt.Errorf("normalize url: %w", err)
	}

	currentYear := globaltime.UTC().Year()
	meta := extract.Extract(title, rawURL, raw.Snippet, raw.RawPayload, currentYear)

	return db.ProcessedResult{
		UnitID:          unitID,
		RawResultID:     raw.RawResultID,
		NormalizedURL:   normalized,
		SourceDomain:    normalize.Host(normalized),
		Title:           title,
		Snippet:         strings.TrimSpace(raw.Snippet),
		SourceEngine:    raw.SourceEngine,
		FileType:        meta.FileType,
		Language:        meta.Language,
		PublicationYear: meta.PublicationYear,
		SourceOrg:       meta.SourceOrg,
		HasFullText:     meta.HasFullText,
		IsAcademic:      meta.IsAcademic,
		QualityScore:    score.Quality(meta, title, raw.Snippet, currentYear),
		ProcessedAt:     globaltime.UTC(),
	}, nil
}

// dedupStage loads the unit's processed results, detects duplicate
// groups, resolves each to a canonical record and rewrites the unit's
// groups atomically. Rerunning it on the same inputs rewrites the same
// groups. Returns the number of non-canonical members.
func (s *Service) dedupStage(ctx context.Context, unit db.ProcessingUnit, token string, counts runCounts, total int, log zerolog.Logger) (int, error) {
	cancelled, err := s.store.CancelRequested(ctx, unit.UnitID)
	if err != nil {
		return 0, err
	}
	if cancelled {
		return 0, s.cancelRun(ctx, unit, token)
	}

	cp := db.Checkpoint{
		Stage:          db.StageDeduplication,
		Progress:       stageProgress(db.StageDeduplication, 0, 1),
		TotalRaw:       total,
		ProcessedCount: counts.processed,
		ErrorCount:     counts.errored,
		HeartbeatAt:    globaltime.UTC(),
	}
	owned, err := s.store.Checkpoint(ctx, unit.UnitID, token, cp)
	if err != nil {
		return 0, err
	}
	if !owned {
		return 0, ErrOwnershipLost
	}

	var results []db.ProcessedResult
	err = s.withStep(ctx, func(stepCtx context.Context) error {
		var listErr error
		results, listErr = s.store.ListProcessedResults(stepCtx, unit.UnitID)
		return listErr
	})
	if err != nil {
		return 0, err
	}

	thresholds := dedup.Thresholds{
		URLSimilarity:   s.cfg.URLSimilarity,
		TitleSimilarity: s.cfg.TitleSimilarity,
		MinConfidence:   s.cfg.MinConfidence,
	}
	pairs := dedup.FindDuplicates(results, thresholds)
	groups := dedup.BuildGroups(len(results), pairs)
	methods := dedup.PairMethods(pairs)

	writes := make([]db.GroupWrite, 0, len(groups))
	var patches []db.ResultPatch
	duplicates := 0
	for _, group := range groups {
		res := dedup.Resolve(results, group)
		duplicates += len(group) - 1

		write := db.GroupWrite{
			CanonicalResultID: results[res.CanonicalOrdinal].ProcessedResultID,
			Sources:           res.Sources,
			Members:           make([]db.GroupMemberWrite, 0, len(group)),
		}
		for _, ordinal := range group {
			member := db.GroupMemberWrite{
				ProcessedResultID: results[ordinal].ProcessedResultID,
				MatchType:         dedup.MethodSeed,
				IsDuplicate:       ordinal != res.CanonicalOrdinal,
			}
			if ordinal != res.CanonicalOrdinal {
				if best, ok := methods[ordinal]; ok {
					confidence := best.Confidence
					member.MatchType = best.Method
					member.MatchScore = &confidence
				}
			}
			write.Members = append(write.Members, member)
		}
		writes = append(writes, write)
		if res.HasPatch {
			patches = append(patches, res.Patch)
		}
	}

	err = s.withStep(ctx, func(stepCtx context.Context) error {
		var replaceErr error
		owned, replaceErr = s.store.ReplaceGroups(stepCtx, unit.UnitID, token, writes, patches, globaltime.UTC())
		return replaceErr
	})
	if err != nil {
		return 0, fmt.Errorf("replace groups for unit %d: %w", unit.UnitID, err)
	}
	if !owned {
		return 0, ErrOwnershipLost
	}

	log.Info().
		Int("results", len(results)).
		Int("pairs", len(pairs)).
		Int("groups", len(writes)).
		Int("duplicates", duplicates).
		Msg("deduplication complete")
	return duplicates, nil
}

// finish writes the terminal checkpoint, marks the unit completed and
// notifies.
func (s *Service) finish(ctx context.Context, unit db.ProcessingUnit, token string, cp db.Checkpoint) error {
	owned, err := s.store.Checkpoint(ctx, unit.UnitID, token, cp)
	if err != nil {
		return err
	}
	if !owned {
		return ErrOwnershipLost
	}
	owned, err = s.store.FinishUnit(ctx, unit.UnitID, token, db.UnitStatusCompleted, globaltime.UTC())
	if err != nil {
		return err
	}
	if !owned {
		return ErrOwnershipLost
	}
	s.notifyFinished(ctx, unit.UnitID, db.UnitStatusCompleted)
	return nil
}

// cancelRun honors an operator cancel between batches: the unit goes to
// failed with a log entry, keeping whatever progress was checkpointed.
func (s *Service) cancelRun(ctx context.Context, unit db.ProcessingUnit, token string) error {
	now := globaltime.UTC()
	if err := s.store.AppendUnitError(ctx, unit.UnitID, now, "processing cancelled by request", "stage="+unit.Stage); err != nil {
		s.log.Error().Err(err).Int64("unit_id", unit.UnitID).Msg("append cancel log entry")
	}
	if _, err := s.store.FinishUnit(ctx, unit.UnitID, token, db.UnitStatusFailed, now); err != nil {
		return err
	}
	s.notifyFinished(ctx, unit.UnitID, db.UnitStatusFailed)
	return ErrCancelled
}

// markFailed records the terminal failure after the retry budget is
// spent. The finish is guarded by this run's token, so a newer owner is
// never failed by a superseded run.
func (s *Service) markFailed(ctx context.Context, unitID int64, token string, cause error) {
	now := globaltime.UTC()
	if err := s.store.AppendUnitError(ctx, unitID, now, cause.Error(), "terminal"); err != nil {
		s.log.Error().Err(err).Int64("unit_id", unitID).Msg("append terminal error")
	}

	finished, err := s.store.FinishUnit(ctx, unitID, token, db.UnitStatusFailed, now)
	if err != nil {
		s.log.Error().Err(err).Int64("unit_id", unitID).Msg("mark unit failed")
		return
	}
	if finished {
		s.notifyFinished(ctx, unitID, db.UnitStatusFailed)
	}
}

func (s *Service) notifyFinished(ctx context.Context, unitID int64, status string) {
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		s.log.Error().Err(err).Int64("unit_id", unitID).Msg("load unit for notification")
		return
	}
	s.notifier.UnitFinished(ctx, unit, status)
}

// RequeueStale releases units whose runner died without finishing, as
// judged by the heartbeat timeout. Meant to run on a ticker alongside the
// serving surface.
func (s *Service) RequeueStale(ctx context.Context) (int, error) {
	cutoff := globaltime.UTC().Add(-s.cfg.HeartbeatTimeout)
	n, err := s.store.RequeueStaleUnits(ctx, cutoff, globaltime.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn().Int("units", n).Msg("requeued stale units")
	}
	return n, nil
}

// StaleUnits lists in_progress units with a heartbeat older than the
// timeout, for health reporting.
func (s *Service) StaleUnits(ctx context.Context, limit int) ([]db.ProcessingUnit, error) {
	cutoff := globaltime.UTC().Add(-s.cfg.HeartbeatTimeout)
	return s.store.StaleUnits(ctx, cutoff, limit)
}

// Status returns the unit for a unit UUID.
func (s *Service) Status(ctx context.Context, unitUUID string) (db.ProcessingUnit, error) {
	unit, err := s.store.GetUnitByUUID(ctx, unitUUID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return db.ProcessingUnit{}, ErrNotFound
		}
		return db.ProcessingUnit{}, err
	}
	return unit, nil
}

// Cancel flags a running unit for cancellation. The run notices between
// batches.
func (s *Service) Cancel(ctx context.Context, unitUUID string) error {
	ok, err := s.store.RequestCancel(ctx, unitUUID, globaltime.UTC())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	unit, err := s.Status(ctx, unitUUID)
	if err != nil {
		return err
	}
	return fmt.Errorf("unit %s is %s, only in_progress units can be cancelled", unitUUID, unit.Status)
}

// MarkRetry moves a failed unit back to pending within its retry budget.
// Only explicit retry leaves the failed state.
func (s *Service) MarkRetry(ctx context.Context, unitUUID string) (db.ProcessingUnit, error) {
	ok, err := s.store.RequestRetry(ctx, unitUUID, s.cfg.MaxRetries, globaltime.UTC())
	if err != nil {
		return db.ProcessingUnit{}, err
	}
	unit, statusErr := s.Status(ctx, unitUUID)
	if statusErr != nil {
		return db.ProcessingUnit{}, statusErr
	}
	if !ok {
		if unit.Status == db.UnitStatusFailed && unit.RetryCount >= s.cfg.MaxRetries {
			return db.ProcessingUnit{}, fmt.Errorf("unit %s: %w", unitUUID, ErrRetryExhausted)
		}
		return db.ProcessingUnit{}, fmt.Errorf("unit %s is %s, only failed units can be retried", unitUUID, unit.Status)
	}
	return unit, nil
}

// Retry re-queues a failed unit and runs it to a terminal state.
func (s *Service) Retry(ctx context.Context, unitUUID string) (db.ProcessingUnit, error) {
	unit, err := s.MarkRetry(ctx, unitUUID)
	if err != nil {
		return db.ProcessingUnit{}, err
	}
	if err := s.ProcessUnit(ctx, unit.UnitID); err != nil {
		return db.ProcessingUnit{}, err
	}
	return s.store.GetUnit(ctx, unit.UnitID)
}

// Results lists a unit's processed results by unit UUID.
func (s *Service) Results(ctx context.Context, unitUUID string) ([]db.ProcessedResult, error) {
	unit, err := s.Status(ctx, unitUUID)
	if err != nil {
		return nil, err
	}
	return s.store.ListProcessedResults(ctx, unit.UnitID)
}

// GroupView is a duplicate group with its memberships attached.
type GroupView struct {
	Group   db.DuplicateGroup
	Members []db.DuplicateGroupMember
}

// Groups lists a unit's duplicate groups with members by unit UUID.
func (s *Service) Groups(ctx context.Context, unitUUID string) ([]GroupView, error) {
	unit, err := s.Status(ctx, unitUUID)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.ListGroups(ctx, unit.UnitID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListGroupMembers(ctx, unit.UnitID)
	if err != nil {
		return nil, err
	}

	byGroup := make(map[int64][]db.DuplicateGroupMember)
	for _, m := range members {
		byGroup[m.DuplicateGroupID] = append(byGroup[m.DuplicateGroupID], m)
	}
	views := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, GroupView{Group: g, Members: byGroup[g.DuplicateGroupID]})
	}
	return views, nil
}

// Errors lists a unit's error log by unit UUID.
func (s *Service) Errors(ctx context.Context, unitUUID string, limit int) ([]db.UnitError, error) {
	unit, err := s.Status(ctx, unitUUID)
	if err != nil {
		return nil, err
	}
	return s.store.ListUnitErrors(ctx, unit.UnitID, limit)
}
