package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/store/mem"
)

func TestLedgerAdmitOnce(t *testing.T) {
	ledger := NewLedger(mem.New(), time.Hour)
	now := time.Now()

	ok, err := ledger.Admit(context.Background(), "mid.1", now)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !ok {
		t.Fatal("first delivery should be admitted")
	}

	ok, err = ledger.Admit(context.Background(), "mid.1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if ok {
		t.Fatal("redelivery within retention should be rejected")
	}
}

func TestLedgerAdmitConcurrent(t *testing.T) {
	ledger := NewLedger(mem.New(), time.Hour)
	now := time.Now()

	const workers = 32
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Admit(context.Background(), "mid.race", now)
			if err != nil {
				t.Errorf("Admit: %v", err)
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("admitted %d deliveries, want exactly 1", got)
	}
}

func TestLedgerAdmitAfterRetention(t *testing.T) {
	ledger := NewLedger(mem.New(), time.Hour)
	now := time.Now()

	if ok, _ := ledger.Admit(context.Background(), "mid.old", now); !ok {
		t.Fatal("first delivery should be admitted")
	}

	ok, err := ledger.Admit(context.Background(), "mid.old", now.Add(time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !ok {
		t.Fatal("delivery id should be admitted again once retention has lapsed")
	}
}

func TestLedgerSetRetention(t *testing.T) {
	ledger := NewLedger(mem.New(), time.Hour)
	ctx := context.Background()
	now := time.Now()

	if ok, _ := ledger.Admit(ctx, "mid.reload", now); !ok {
		t.Fatal("first delivery should be admitted")
	}
	if ok, _ := ledger.Admit(ctx, "mid.reload", now.Add(time.Minute)); ok {
		t.Fatal("replay inside retention should be rejected")
	}

	ledger.SetRetention(30 * time.Second)
	ok, err := ledger.Admit(ctx, "mid.reload", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !ok {
		t.Fatal("shortened retention should apply without a restart")
	}
}
