// Package mem is an in-memory store backend. It backs unit tests and the
// dev-mode gateway; state is lost on restart, so production deployments use
// the sqlite, pg, or redis backends instead.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

type dedupEntry struct {
	firstSeenAt time.Time
}

// Store implements every store interface behind one mutex, which trivially
// satisfies the atomicity contracts.
type Store struct {
	mu sync.Mutex

	dedup         map[string]dedupEntry
	pending       map[string][]bus.PendingMessage
	locks         map[string]lockEntry
	rates         map[string][]time.Time
	breaker       []time.Time
	killSwitch    store.KillSwitchState
	manual        map[string]bool
	conversations map[string][]store.Entry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		dedup:         make(map[string]dedupEntry),
		pending:       make(map[string][]bus.PendingMessage),
		locks:         make(map[string]lockEntry),
		rates:         make(map[string][]time.Time),
		manual:        make(map[string]bool),
		conversations: make(map[string][]store.Entry),
	}
}

// Stores returns a store.Stores with every field backed by s.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{
		Dedup:         s,
		Turns:         s,
		Locks:         s,
		Rates:         s,
		Breaker:       s,
		Flags:         s,
		Conversations: s,
	}
}

func (s *Store) Admit(_ context.Context, deliveryID string, now time.Time, retention time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.dedup[deliveryID]; ok && now.Sub(e.firstSeenAt) < retention {
		return false, nil
	}
	s.dedup[deliveryID] = dedupEntry{firstSeenAt: now}
	return true, nil
}

func (s *Store) PruneDedup(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.dedup {
		if e.firstSeenAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendPending(_ context.Context, conversationID string, msg bus.PendingMessage) error {
	s.mu.Lock()
	s.pending[conversationID] = append(s.pending[conversationID], msg)
	s.mu.Unlock()
	return nil
}

func (s *Store) DrainPending(_ context.Context, conversationID string) ([]bus.PendingMessage, error) {
	s.mu.Lock()
	msgs := s.pending[conversationID]
	delete(s.pending, conversationID)
	s.mu.Unlock()
	return msgs, nil
}

func (s *Store) PendingCount(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	n := len(s.pending[conversationID])
	s.mu.Unlock()
	return n, nil
}

func (s *Store) AcquireLock(_ context.Context, conversationID, holder string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.locks[conversationID]; ok && now.Before(e.expiresAt) && e.holder != holder {
		return false, nil
	}
	s.locks[conversationID] = lockEntry{holder: holder, expiresAt: now.Add(lease)}
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, conversationID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.locks[conversationID]; ok && e.holder == holder {
		delete(s.locks, conversationID)
	}
	return nil
}

func (s *Store) PruneLocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.locks {
		if !now.Before(e.expiresAt) {
			delete(s.locks, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordIfUnder(_ context.Context, conversationID string, now time.Time, hourly, daily store.Limit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rates[conversationID][:0]
	dailyCutoff := now.Add(-daily.Window)
	hourlyCutoff := now.Add(-hourly.Window)
	hourlyCount, dailyCount := 0, 0
	for _, ts := range s.rates[conversationID] {
		if ts.After(dailyCutoff) {
			kept = append(kept, ts)
			dailyCount++
			if ts.After(hourlyCutoff) {
				hourlyCount++
			}
		}
	}
	s.rates[conversationID] = kept

	if hourlyCount >= hourly.Max || dailyCount >= daily.Max {
		return false, nil
	}
	s.rates[conversationID] = append(kept, now)
	return true, nil
}

func (s *Store) ClearRate(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.rates, conversationID)
	s.mu.Unlock()
	return nil
}

func (s *Store) PruneRates(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, tss := range s.rates {
		kept := tss[:0]
		for _, ts := range tss {
			if !ts.Before(before) {
				kept = append(kept, ts)
			} else {
				n++
			}
		}
		if len(kept) == 0 {
			delete(s.rates, id)
		} else {
			s.rates[id] = kept
		}
	}
	return n, nil
}

func (s *Store) RecordAndCount(_ context.Context, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.breaker[:0]
	for _, ts := range s.breaker {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.breaker = append(kept, now)
	return len(s.breaker), nil
}

func (s *Store) ResetBreaker(_ context.Context) error {
	s.mu.Lock()
	s.breaker = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) BreakerCount(_ context.Context, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	count := 0
	for _, ts := range s.breaker {
		if ts.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *Store) KillSwitch(_ context.Context) (store.KillSwitchState, error) {
	s.mu.Lock()
	state := s.killSwitch
	s.mu.Unlock()
	return state, nil
}

func (s *Store) SetKillSwitch(_ context.Context, state store.KillSwitchState) error {
	s.mu.Lock()
	s.killSwitch = state
	s.mu.Unlock()
	return nil
}

func (s *Store) ManualMode(_ context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	enabled := s.manual[conversationID]
	s.mu.Unlock()
	return enabled, nil
}

func (s *Store) SetManualMode(_ context.Context, conversationID string, enabled bool) error {
	s.mu.Lock()
	if enabled {
		s.manual[conversationID] = true
	} else {
		delete(s.manual, conversationID)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) History(_ context.Context, conversationID string, limit int) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.conversations[conversationID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]store.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) AppendExchange(_ context.Context, conversationID string, user, assistant store.Entry, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.conversations[conversationID], user, assistant)
	if keep > 0 && len(entries) > keep {
		entries = entries[len(entries)-keep:]
	}
	s.conversations[conversationID] = entries
	return nil
}
