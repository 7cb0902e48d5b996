package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRollupStore struct {
	calls []struct{ since, until time.Time }
	err   error
}

func (s *fakeRollupStore) RollupHours(_ context.Context, since, until time.Time) error {
	s.calls = append(s.calls, struct{ since, until time.Time }{since, until})
	return s.err
}

func TestRollupWindow(t *testing.T) {
	t.Parallel()

	store := &fakeRollupStore{}
	w := NewRollupWorker(store, 0)
	now := time.Date(2026, 3, 14, 10, 42, 17, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.rollup(context.Background())

	if len(store.calls) != 1 {
		t.Fatalf("RollupHours calls = %d, want 1", len(store.calls))
	}
	call := store.calls[0]
	wantSince := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	wantUntil := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	if !call.since.Equal(wantSince) {
		t.Errorf("since = %v, want %v", call.since, wantSince)
	}
	if !call.until.Equal(wantUntil) {
		t.Errorf("until = %v, want %v", call.until, wantUntil)
	}
}

func TestRollupStoreErrorDoesNotPropagate(t *testing.T) {
	t.Parallel()

	store := &fakeRollupStore{err: errors.New("db locked")}
	w := NewRollupWorker(store, 0)

	// Must not panic or return; errors are logged and the ticker keeps going.
	w.rollup(context.Background())
	if len(store.calls) != 1 {
		t.Fatalf("RollupHours calls = %d, want 1", len(store.calls))
	}
}

func TestRollupRunCancelledContext(t *testing.T) {
	t.Parallel()

	w := NewRollupWorker(&fakeRollupStore{}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Run(ctx); err != nil {
		t.Errorf("Run should return nil on cancelled context, got %v", err)
	}
}
