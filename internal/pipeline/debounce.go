package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// WakeFunc is invoked when a conversation's debounce window elapses.
// The scheduler is an at-least-once mechanism: duplicate wakes for the same
// window are possible and must be absorbed by the processor's locking.
type WakeFunc func(conversationID string)

type wakeKey struct {
	conversationID string
	bucket         int64
}

// Debouncer coalesces bursts of messages into one drain per window.
// The window is bucketed on absolute time: bucket = floor(now / window),
// and the wake fires at bucketStart + window. Re-scheduling within the same
// bucket is a no-op, so k messages inside one window produce one wake.
type Debouncer struct {
	wake WakeFunc

	mu        sync.Mutex
	window    time.Duration
	scheduled map[wakeKey]*time.Timer
	stopped   bool
}

// NewDebouncer creates a debounce scheduler with the given window.
func NewDebouncer(window time.Duration, wake WakeFunc) *Debouncer {
	return &Debouncer{
		window:    window,
		wake:      wake,
		scheduled: make(map[wakeKey]*time.Timer),
	}
}

// Window returns the configured debounce window.
func (d *Debouncer) Window() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

// SetWindow replaces the debounce window (config hot reload). Wakes already
// scheduled keep their old fire time; new schedules use the new bucketing.
func (d *Debouncer) SetWindow(window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = window
}

// ScheduleWake registers a drain wake for the conversation's current window
// bucket. A wake already scheduled for the same bucket absorbs the call.
func (d *Debouncer) ScheduleWake(conversationID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bucket := now.UnixMilli() / d.window.Milliseconds()
	key := wakeKey{conversationID: conversationID, bucket: bucket}
	fireAt := time.UnixMilli((bucket + 1) * d.window.Milliseconds())

	if d.stopped {
		return
	}
	if _, exists := d.scheduled[key]; exists {
		return // coalesced into the pending wake
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	d.scheduled[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.scheduled, key)
		d.mu.Unlock()

		slog.Debug("debounce: wake", "conversation", conversationID, "bucket", bucket)
		d.wake(conversationID)
	})
}

// Stop cancels all pending wakes and fires each one immediately instead, so
// a graceful shutdown drains what was already accumulated.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	keys := make([]wakeKey, 0, len(d.scheduled))
	for key, timer := range d.scheduled {
		timer.Stop()
		keys = append(keys, key)
	}
	d.scheduled = make(map[wakeKey]*time.Timer)
	d.mu.Unlock()

	for _, key := range keys {
		d.wake(key.conversationID)
	}
}
