// Package store defines the storage interfaces backing the pipeline.
//
// Every operation that implements a check-then-act pattern (dedup admit, lock
// acquire, rate-limit record, pending-turn drain) is a single method so each
// backend can make it atomic with its own primitive: a SQL transaction for the
// sqlite and pg backends, a Lua script or SET NX for the redis backend, one
// mutex for the mem backend.
package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
)

// Limit is one rolling-window rate limit.
type Limit struct {
	Window time.Duration
	Max    int
}

// KillSwitchState is the single global operator override record.
// Active means deny all processing.
type KillSwitchState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Conversation entry roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one conversation-history record.
type Entry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// DedupStore records which upstream delivery ids have been accepted.
type DedupStore interface {
	// Admit records deliveryID as seen and reports whether this caller is the
	// first within the retention window. Exactly one of N concurrent callers
	// with the same id gets true. An entry older than retention counts as
	// unseen and is overwritten (lazy reclaim).
	Admit(ctx context.Context, deliveryID string, now time.Time, retention time.Duration) (bool, error)

	// PruneDedup removes entries first seen before the cutoff. Returns the
	// number removed. Purely storage hygiene; Admit does not depend on it.
	PruneDedup(ctx context.Context, before time.Time) (int64, error)
}

// TurnStore holds the per-conversation pending message lists.
type TurnStore interface {
	// AppendPending appends msg to the conversation's pending list,
	// preserving arrival order.
	AppendPending(ctx context.Context, conversationID string, msg bus.PendingMessage) error

	// DrainPending atomically reads and clears the pending list. An append
	// racing a drain lands either in the returned slice or in the next
	// drain's, never nowhere.
	DrainPending(ctx context.Context, conversationID string) ([]bus.PendingMessage, error)

	// PendingCount reports the current pending list length.
	PendingCount(ctx context.Context, conversationID string) (int, error)
}

// LockStore provides the per-conversation processing locks.
type LockStore interface {
	// AcquireLock takes the conversation's lock for holder with a bounded
	// lease. Non-blocking: returns false immediately when another holder's
	// unexpired lease exists. An expired lease is claimable.
	AcquireLock(ctx context.Context, conversationID, holder string, now time.Time, lease time.Duration) (bool, error)

	// ReleaseLock releases the lock if still held by holder; releasing a
	// lock lost to lease expiry is a no-op, not an error.
	ReleaseLock(ctx context.Context, conversationID, holder string) error

	// PruneLocks removes locks whose lease expired before now.
	PruneLocks(ctx context.Context, now time.Time) (int64, error)
}

// RateStore tracks per-conversation message timestamps in rolling windows.
type RateStore interface {
	// RecordIfUnder prunes timestamps outside the larger window, then appends
	// now only if the conversation is under both limits. Returns whether the
	// message was admitted. A denied message is not recorded.
	RecordIfUnder(ctx context.Context, conversationID string, now time.Time, hourly, daily Limit) (bool, error)

	// ClearRate drops all recorded timestamps for the conversation
	// (administrative reset).
	ClearRate(ctx context.Context, conversationID string) error

	// PruneRates removes timestamps older than the cutoff for all
	// conversations. Storage hygiene for idle conversations.
	PruneRates(ctx context.Context, before time.Time) (int64, error)
}

// BreakerStore tracks the single global circuit-breaker window.
type BreakerStore interface {
	// RecordAndCount appends now to the global window, prunes entries older
	// than the window, and returns the resulting count.
	RecordAndCount(ctx context.Context, now time.Time, window time.Duration) (int, error)

	// ResetBreaker clears the window (operator reset).
	ResetBreaker(ctx context.Context) error

	// BreakerCount reports the count within the window without recording.
	BreakerCount(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// FlagStore holds the operator-controlled overrides.
type FlagStore interface {
	KillSwitch(ctx context.Context) (KillSwitchState, error)
	SetKillSwitch(ctx context.Context, state KillSwitchState) error

	ManualMode(ctx context.Context, conversationID string) (bool, error)
	SetManualMode(ctx context.Context, conversationID string, enabled bool) error
}

// ConversationStore is the durable conversation history.
type ConversationStore interface {
	// History returns the most recent entries in chronological order,
	// at most limit entries (0 = no cap).
	History(ctx context.Context, conversationID string, limit int) ([]Entry, error)

	// AppendExchange appends the user turn and the generated reply as one
	// unit, then trims the history to keep the most recent keep entries
	// (0 = no trimming).
	AppendExchange(ctx context.Context, conversationID string, user, assistant Entry, keep int) error
}

// Stores is the container handed to the pipeline. Each backend implements
// every field; the fields stay separate so deployments can mix backends
// per concern if they need to.
type Stores struct {
	Dedup         DedupStore
	Turns         TurnStore
	Locks         LockStore
	Rates         RateStore
	Breaker       BreakerStore
	Flags         FlagStore
	Conversations ConversationStore
}
