package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Ledger discards redelivered webhook events. Upstream delivery is
// at-least-once; the ledger makes acting on a delivery at-most-once.
type Ledger struct {
	store store.DedupStore

	mu        sync.RWMutex
	retention time.Duration
}

// NewLedger creates a dedup ledger with the given retention window.
func NewLedger(s store.DedupStore, retention time.Duration) *Ledger {
	return &Ledger{store: s, retention: retention}
}

// Admit reports whether this delivery id is first-seen within the retention
// window. Under concurrent callers with the same id exactly one gets true;
// the store's check-and-set makes that guarantee, not this wrapper.
func (l *Ledger) Admit(ctx context.Context, deliveryID string, now time.Time) (bool, error) {
	accepted, err := l.store.Admit(ctx, deliveryID, now, l.Retention())
	if err != nil {
		return false, fmt.Errorf("dedup admit %s: %w", deliveryID, err)
	}
	return accepted, nil
}

// Retention returns the configured retention window.
func (l *Ledger) Retention() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.retention
}

// SetRetention replaces the retention window (config hot reload).
func (l *Ledger) SetRetention(retention time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retention = retention
}
