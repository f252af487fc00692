// Package pipeline orchestrates a processing unit through its stages:
// normalization in batches, duplicate detection and merge, finalization.
// One run owns a unit through a run token; everything it writes is
// guarded by that token so a superseded run cannot corrupt newer state.
package pipeline

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a unit, session or result does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrCancelled stops a run after an operator requested cancellation.
	ErrCancelled = errors.New("processing cancelled")

	// ErrOwnershipLost stops a run whose run token was superseded by a
	// newer claim. The newer owner carries on; this run just exits.
	ErrOwnershipLost = errors.New("unit ownership lost")

	// ErrNotClaimable is returned when a unit cannot be claimed because
	// it is already finished or running elsewhere.
	ErrNotClaimable = errors.New("unit not claimable")

	// ErrRetryExhausted is returned by retry requests once the retry
	// budget is spent.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// errStepTimeout marks a bounded store step that expired. Unlike a
	// caller-driven context abort it is retryable.
	errStepTimeout = errors.New("step timed out")
)

// isTransient reports whether a run-level error is worth retrying in
// place. Cancellation, lost ownership and caller-driven context aborts
// are final for this run.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrOwnershipLost) || errors.Is(err, ErrNotClaimable) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
