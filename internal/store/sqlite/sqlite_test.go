package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "turnbot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAdmit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := s.Admit(ctx, "mid.1", now, time.Hour)
	if err != nil || !ok {
		t.Fatalf("first admit = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Admit(ctx, "mid.1", now.Add(time.Minute), time.Hour)
	if err != nil || ok {
		t.Fatalf("replay admit = %v, %v; want false, nil", ok, err)
	}
	ok, err = s.Admit(ctx, "mid.1", now.Add(2*time.Hour), time.Hour)
	if err != nil || !ok {
		t.Fatalf("admit after retention = %v, %v; want true, nil", ok, err)
	}
}

func TestAdmitConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	const workers = 16
	var wg sync.WaitGroup
	admitted := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Admit(ctx, "mid.race", now, time.Hour)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			admitted <- ok
		}()
	}
	wg.Wait()
	close(admitted)

	wins := 0
	for ok := range admitted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("admitted %d times, want exactly 1", wins)
	}
}

func TestPendingDrain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, text := range []string{"hello", "anyone", "there?"} {
		err := s.AppendPending(ctx, "conv-1", bus.PendingMessage{Text: text, ArrivedAt: now})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendPending(ctx, "conv-2", bus.PendingMessage{Text: "other", ArrivedAt: now}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := s.DrainPending(ctx, "conv-1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Text != "hello" || msgs[2].Text != "there?" {
		t.Fatalf("drained %+v, want 3 messages in arrival order", msgs)
	}

	// Drain clears, and leaves other conversations alone.
	if n, _ := s.PendingCount(ctx, "conv-1"); n != 0 {
		t.Fatalf("pending after drain = %d, want 0", n)
	}
	if n, _ := s.PendingCount(ctx, "conv-2"); n != 1 {
		t.Fatalf("conv-2 pending = %d, want 1", n)
	}
}

func TestLockLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := s.AcquireLock(ctx, "conv-1", "holder-a", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "conv-1", "holder-b", now.Add(time.Second), time.Minute)
	if err != nil || ok {
		t.Fatalf("contended acquire = %v, %v; want false, nil", ok, err)
	}

	// Expired leases are reclaimable.
	ok, err = s.AcquireLock(ctx, "conv-1", "holder-b", now.Add(2*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry = %v, %v; want true, nil", ok, err)
	}

	// Release is a no-op for the wrong holder.
	if err := s.ReleaseLock(ctx, "conv-1", "holder-a"); err != nil {
		t.Fatalf("release wrong holder: %v", err)
	}
	ok, _ = s.AcquireLock(ctx, "conv-1", "holder-c", now.Add(2*time.Minute), time.Minute)
	if ok {
		t.Fatal("lock lost after release by non-holder")
	}
	if err := s.ReleaseLock(ctx, "conv-1", "holder-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = s.AcquireLock(ctx, "conv-1", "holder-c", now.Add(2*time.Minute), time.Minute)
	if !ok {
		t.Fatal("lock not acquirable after release")
	}
}

func TestRateLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	hourly := store.Limit{Window: time.Hour, Max: 3}
	daily := store.Limit{Window: 24 * time.Hour, Max: 5}

	for i := 0; i < 3; i++ {
		ok, err := s.RecordIfUnder(ctx, "conv-1", now.Add(time.Duration(i)*time.Second), hourly, daily)
		if err != nil || !ok {
			t.Fatalf("record %d = %v, %v; want true, nil", i, ok, err)
		}
	}
	ok, err := s.RecordIfUnder(ctx, "conv-1", now.Add(3*time.Second), hourly, daily)
	if err != nil || ok {
		t.Fatalf("over hourly = %v, %v; want false, nil", ok, err)
	}

	// The hourly window rolls; the daily cap then takes over.
	later := now.Add(2 * time.Hour)
	for i := 0; i < 2; i++ {
		ok, err := s.RecordIfUnder(ctx, "conv-1", later.Add(time.Duration(i)*time.Second), hourly, daily)
		if err != nil || !ok {
			t.Fatalf("record after rollover %d = %v, %v; want true, nil", i, ok, err)
		}
	}
	ok, err = s.RecordIfUnder(ctx, "conv-1", later.Add(2*time.Second), hourly, daily)
	if err != nil || ok {
		t.Fatalf("over daily = %v, %v; want false, nil", ok, err)
	}

	if err := s.ClearRate(ctx, "conv-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ok, _ = s.RecordIfUnder(ctx, "conv-1", later.Add(3*time.Second), hourly, daily)
	if !ok {
		t.Fatal("denied after clear")
	}
}

func TestBreakerEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		n, err := s.RecordAndCount(ctx, now.Add(time.Duration(i)*time.Second), 10*time.Minute)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if n != i+1 {
			t.Fatalf("count = %d, want %d", n, i+1)
		}
	}

	// Old events fall out of the window.
	n, err := s.RecordAndCount(ctx, now.Add(20*time.Minute), 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("count after window = %d, %v; want 1, nil", n, err)
	}

	if err := s.ResetBreaker(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	n, err = s.BreakerCount(ctx, now.Add(20*time.Minute), 10*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("count after reset = %d, %v; want 0, nil", n, err)
	}
}

func TestFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.KillSwitch(ctx)
	if err != nil || state.Active {
		t.Fatalf("initial kill switch = %+v, %v; want inactive", state, err)
	}

	at := time.Now().Truncate(time.Millisecond)
	err = s.SetKillSwitch(ctx, store.KillSwitchState{Active: true, Reason: "incident", ActivatedAt: at})
	if err != nil {
		t.Fatalf("set kill switch: %v", err)
	}
	state, err = s.KillSwitch(ctx)
	if err != nil || !state.Active || state.Reason != "incident" || !state.ActivatedAt.Equal(at) {
		t.Fatalf("kill switch = %+v, %v", state, err)
	}

	if err := s.SetManualMode(ctx, "conv-1", true); err != nil {
		t.Fatalf("set manual: %v", err)
	}
	on, err := s.ManualMode(ctx, "conv-1")
	if err != nil || !on {
		t.Fatalf("manual mode = %v, %v; want true", on, err)
	}
	if on, _ := s.ManualMode(ctx, "conv-2"); on {
		t.Fatal("manual mode leaked to another conversation")
	}
	if err := s.SetManualMode(ctx, "conv-1", false); err != nil {
		t.Fatalf("unset manual: %v", err)
	}
	if on, _ := s.ManualMode(ctx, "conv-1"); on {
		t.Fatal("manual mode still set after unset")
	}
}

func TestConversationHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		err := s.AppendExchange(ctx, "conv-1",
			store.Entry{Role: store.RoleUser, Text: "q", At: now},
			store.Entry{Role: store.RoleAssistant, Text: "a", At: now},
			6)
		if err != nil {
			t.Fatalf("append exchange %d: %v", i, err)
		}
	}

	entries, err := s.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("history length = %d, want 6 (trimmed)", len(entries))
	}
	if entries[0].Role != store.RoleUser || entries[len(entries)-1].Role != store.RoleAssistant {
		t.Fatalf("history order wrong: first %q last %q", entries[0].Role, entries[len(entries)-1].Role)
	}

	limited, err := s.History(ctx, "conv-1", 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited history = %d entries, %v; want 2", len(limited), err)
	}
	// Limited history keeps the most recent entries.
	if limited[1].Role != store.RoleAssistant {
		t.Fatalf("limited history tail = %q, want assistant", limited[1].Role)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "turnbot.db")
	ctx := context.Background()
	now := time.Now()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Admit(ctx, "mid.persist", now, time.Hour); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	ok, err := s2.Admit(ctx, "mid.persist", now.Add(time.Minute), time.Hour)
	if err != nil || ok {
		t.Fatalf("admit after reopen = %v, %v; want false (still remembered)", ok, err)
	}
}
