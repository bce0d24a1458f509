package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/store/mem"
)

func TestRateLimiterHourlyLimit(t *testing.T) {
	limiter := NewRateLimiter(mem.New(), 3, 100)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, err := limiter.CheckAndRecord(ctx, "psid-1", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("CheckAndRecord: %v", err)
		}
		if !ok {
			t.Fatalf("message %d should be under the hourly limit", i+1)
		}
	}

	ok, err := limiter.CheckAndRecord(ctx, "psid-1", now.Add(4*time.Second))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if ok {
		t.Fatal("fourth message inside the hour should be denied")
	}
}

func TestRateLimiterDeniedNotRecorded(t *testing.T) {
	limiter := NewRateLimiter(mem.New(), 2, 100)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); !ok {
			t.Fatalf("message %d should be admitted", i+1)
		}
	}
	// Hammer the limiter while over budget. None of these may count.
	for i := 0; i < 10; i++ {
		if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now.Add(time.Minute)); ok {
			t.Fatal("over-limit message should be denied")
		}
	}

	// Once the two recorded events age out, capacity is back to full, which
	// proves the denied attempts left no trace.
	later := now.Add(time.Hour + time.Minute)
	for i := 0; i < 2; i++ {
		ok, err := limiter.CheckAndRecord(ctx, "psid-1", later)
		if err != nil {
			t.Fatalf("CheckAndRecord: %v", err)
		}
		if !ok {
			t.Fatalf("message %d after window rollover should be admitted", i+1)
		}
	}
}

func TestRateLimiterDailyLimit(t *testing.T) {
	limiter := NewRateLimiter(mem.New(), 100, 3)
	ctx := context.Background()
	now := time.Now()

	// Spread sends hours apart so the hourly window never binds.
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * 2 * time.Hour)
		if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", at); !ok {
			t.Fatalf("message %d should be under the daily limit", i+1)
		}
	}

	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now.Add(7*time.Hour)); ok {
		t.Fatal("fourth message inside the day should be denied")
	}

	ok, err := limiter.CheckAndRecord(ctx, "psid-1", now.Add(24*time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !ok {
		t.Fatal("message after the oldest event ages out should be admitted")
	}
}

func TestRateLimiterIsolatesConversations(t *testing.T) {
	limiter := NewRateLimiter(mem.New(), 1, 100)
	ctx := context.Background()
	now := time.Now()

	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); !ok {
		t.Fatal("psid-1 first message should be admitted")
	}
	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); ok {
		t.Fatal("psid-1 second message should be denied")
	}
	if ok, _ := limiter.CheckAndRecord(ctx, "psid-2", now); !ok {
		t.Fatal("psid-2 should have its own budget")
	}
}

func TestRateLimiterClear(t *testing.T) {
	limiter := NewRateLimiter(mem.New(), 1, 1)
	ctx := context.Background()
	now := time.Now()

	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); !ok {
		t.Fatal("first message should be admitted")
	}
	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); ok {
		t.Fatal("second message should be denied")
	}

	if err := limiter.Clear(ctx, "psid-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); !ok {
		t.Fatal("message after an operator clear should be admitted")
	}
}

func TestRateLimiterSetLimits(t *testing.T) {
	limiter := NewRateLimiter(mem.New(), 2, 10)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); !ok {
			t.Fatalf("message %d should be admitted", i+1)
		}
	}
	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); ok {
		t.Fatal("third message should be denied under the old hourly cap")
	}

	limiter.SetLimits(5, 10)
	if ok, _ := limiter.CheckAndRecord(ctx, "psid-1", now); !ok {
		t.Fatal("raised cap should admit the next message without a restart")
	}
}
