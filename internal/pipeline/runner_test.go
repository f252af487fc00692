package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"siftworks.dev/sift/internal/db"
)

func TestRunnerProcessesSubmittedSessions(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	runner := NewRunner(svc, 2, zerolog.Nop())

	sessions := []string{
		"11111111-1111-4111-8111-111111111111",
		"22222222-2222-4222-8222-222222222222",
	}
	for _, session := range sessions {
		if !runner.Submit(context.Background(), session) {
			t.Fatalf("submit %s rejected", session)
		}
	}
	runner.Wait()

	for _, session := range sessions {
		unit, err := store.GetUnitBySession(context.Background(), session)
		if err != nil {
			t.Fatalf("unit for %s: %v", session, err)
		}
		if unit.Status != db.UnitStatusCompleted {
			t.Fatalf("session %s status = %q, want completed", session, unit.Status)
		}
	}
}

func TestRunnerSingleFlightPerSession(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	seedSearchResults(t, store)

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	store.afterPersist = func(*fakeStore, int64) {
		once.Do(func() { close(started) })
		<-release
	}

	runner := NewRunner(svc, 2, zerolog.Nop())
	if !runner.Submit(context.Background(), testSession) {
		t.Fatal("first submit rejected")
	}
	<-started
	if runner.Submit(context.Background(), testSession) {
		t.Fatal("duplicate submit accepted while session is running")
	}
	close(release)
	runner.Wait()

	unit, err := store.GetUnitBySession(context.Background(), testSession)
	if err != nil {
		t.Fatalf("unit lookup: %v", err)
	}
	if unit.Status != db.UnitStatusCompleted {
		t.Fatalf("status = %q, want completed", unit.Status)
	}
}
