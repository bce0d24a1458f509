package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/store"
	"github.com/nextlevelbuilder/turnbot/internal/store/mem"
)

func TestSweepPrunesExpiredState(t *testing.T) {
	backend := mem.New()
	ctx := context.Background()
	now := time.Now()

	// Aged-out dedup entry, stale lock, old rate events.
	if _, err := backend.Admit(ctx, "mid.old", now.Add(-2*time.Hour), time.Hour); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := backend.Admit(ctx, "mid.fresh", now, time.Hour); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	ok, err := backend.AcquireLock(ctx, "psid-1", "holder-a", now.Add(-5*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}
	hourly := store.Limit{Window: time.Hour, Max: 100}
	daily := store.Limit{Window: 24 * time.Hour, Max: 100}
	if _, err := backend.RecordIfUnder(ctx, "psid-1", now.Add(-48*time.Hour), hourly, daily); err != nil {
		t.Fatalf("RecordIfUnder: %v", err)
	}

	s := New(backend.Stores(), "* * * * *", time.Hour, 24*time.Hour)
	s.Sweep(ctx, now)

	// The expired delivery id can be admitted again, the fresh one cannot.
	if ok, _ := backend.Admit(ctx, "mid.old", now, time.Hour); !ok {
		t.Error("expired dedup entry should be pruned")
	}
	if ok, _ := backend.Admit(ctx, "mid.fresh", now, time.Hour); ok {
		t.Error("fresh dedup entry should survive the sweep")
	}

	// The stale lock is reclaimable by a new holder.
	if ok, _ := backend.AcquireLock(ctx, "psid-1", "holder-b", now, time.Minute); !ok {
		t.Error("expired lock should be pruned")
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	backend := mem.New()
	s := New(backend.Stores(), "not a cron expr", time.Hour, 24*time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Run must return promptly instead of ticking forever on a bad schedule.
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for an invalid schedule")
	}
}
