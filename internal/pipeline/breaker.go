package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Breaker is the global circuit breaker: one rolling window across all
// conversations. It catches platform-wide anomalies (redelivery storms,
// webhook loops) that no per-conversation limiter would see. A tripped
// breaker heals itself once the window ages below the threshold; it does not
// touch the kill switch.
type Breaker struct {
	store store.BreakerStore

	mu        sync.RWMutex
	window    time.Duration
	threshold int
}

// NewBreaker creates a breaker that trips when more than threshold messages
// arrive within the trailing window.
func NewBreaker(s store.BreakerStore, window time.Duration, threshold int) *Breaker {
	return &Breaker{store: s, window: window, threshold: threshold}
}

// SetTripPolicy replaces the window and threshold (config hot reload).
func (b *Breaker) SetTripPolicy(window time.Duration, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = window
	b.threshold = threshold
}

func (b *Breaker) tripPolicy() (time.Duration, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.window, b.threshold
}

// TripIfOverloaded records the arrival and reports whether the breaker is
// now open. Denied attempts still count toward the window: a storm keeps
// the breaker open for as long as it lasts.
func (b *Breaker) TripIfOverloaded(ctx context.Context, now time.Time) (bool, error) {
	window, threshold := b.tripPolicy()
	count, err := b.store.RecordAndCount(ctx, now, window)
	if err != nil {
		return false, fmt.Errorf("circuit breaker record: %w", err)
	}
	return count > threshold, nil
}

// Open reports whether the breaker is currently tripped, without recording.
func (b *Breaker) Open(ctx context.Context, now time.Time) (bool, error) {
	window, threshold := b.tripPolicy()
	count, err := b.store.BreakerCount(ctx, now, window)
	if err != nil {
		return false, fmt.Errorf("circuit breaker count: %w", err)
	}
	return count > threshold, nil
}

// Reset clears the window (operator action).
func (b *Breaker) Reset(ctx context.Context) error {
	return b.store.ResetBreaker(ctx)
}
