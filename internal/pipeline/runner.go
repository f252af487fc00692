package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Runner executes unit runs asynchronously with a bounded worker pool
// and per-session single-flight, so a double-submitted session does not
// race itself.
type Runner struct {
	svc *Service
	log zerolog.Logger
	sem chan struct{}

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

func NewRunner(svc *Service, workers int, log zerolog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		svc:    svc,
		log:    log.With().Str("component", "runner").Logger(),
		sem:    make(chan struct{}, workers),
		active: make(map[string]struct{}),
	}
}

// Submit schedules a session for processing. Returns false when the
// session is already queued or running; the caller treats that as an
// accepted no-op. ctx should be the process lifetime context, not a
// request context, so an HTTP disconnect does not kill processing.
func (r *Runner) Submit(ctx context.Context, sessionUUID string) bool {
	r.mu.Lock()
	if _, running := r.active[sessionUUID]; running {
		r.mu.Unlock()
		return false
	}
	r.active[sessionUUID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, sessionUUID)
			r.mu.Unlock()
		}()

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-r.sem }()

		if _, err := r.svc.ProcessSession(ctx, sessionUUID); err != nil {
			r.log.Error().Err(err).Str("session_uuid", sessionUUID).Msg("session processing failed")
		}
	}()
	return true
}

// Wait blocks until every submitted run has finished. Used on shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}
