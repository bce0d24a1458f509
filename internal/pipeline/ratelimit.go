package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// RateLimiter enforces per-conversation rolling hour/day message limits.
// Timestamps outside the windows are pruned lazily on each check; a denied
// message is never recorded, so denial does not extend the window.
type RateLimiter struct {
	store store.RateStore

	mu     sync.RWMutex
	hourly store.Limit
	daily  store.Limit
}

// NewRateLimiter creates a limiter with the given per-window maximums.
func NewRateLimiter(s store.RateStore, hourlyMax, dailyMax int) *RateLimiter {
	return &RateLimiter{
		store:  s,
		hourly: store.Limit{Window: time.Hour, Max: hourlyMax},
		daily:  store.Limit{Window: 24 * time.Hour, Max: dailyMax},
	}
}

// SetLimits replaces the per-window maximums (config hot reload). Already
// recorded timestamps keep counting against the new caps.
func (r *RateLimiter) SetLimits(hourlyMax, dailyMax int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hourly.Max = hourlyMax
	r.daily.Max = dailyMax
}

// CheckAndRecord admits the message and records its timestamp if the
// conversation is under both limits; otherwise reports denial without
// recording. The prune-count-append sequence is atomic in the store.
func (r *RateLimiter) CheckAndRecord(ctx context.Context, conversationID string, now time.Time) (bool, error) {
	r.mu.RLock()
	hourly, daily := r.hourly, r.daily
	r.mu.RUnlock()

	allowed, err := r.store.RecordIfUnder(ctx, conversationID, now, hourly, daily)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", conversationID, err)
	}
	return allowed, nil
}

// Clear drops all recorded timestamps for the conversation.
func (r *RateLimiter) Clear(ctx context.Context, conversationID string) error {
	return r.store.ClearRate(ctx, conversationID)
}
