package pipeline

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Accumulator appends admitted messages to the durable per-conversation
// pending list. Appends are safe against a concurrent drain: the store's
// atomic read-and-clear means a racing append lands in this turn or the
// next, never nowhere.
type Accumulator struct {
	store store.TurnStore
}

// NewAccumulator creates a turn accumulator over the given turn store.
func NewAccumulator(s store.TurnStore) *Accumulator {
	return &Accumulator{store: s}
}

// Append records the event's content on the conversation's pending list.
func (a *Accumulator) Append(ctx context.Context, ev bus.InboundEvent) error {
	msg := bus.PendingMessage{
		Text:        ev.Text,
		Attachments: ev.Attachments,
		ArrivedAt:   ev.ReceivedAt,
	}
	if err := a.store.AppendPending(ctx, ev.ConversationID, msg); err != nil {
		return fmt.Errorf("append pending for %s: %w", ev.ConversationID, err)
	}
	return nil
}
