package pipeline

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Decision is the operational gate's admit/deny verdict.
type Decision struct {
	Allow  bool
	Reason string // ReasonKillSwitch or ReasonManualMode when denied
}

// Gate composes the global kill switch and the per-conversation manual-mode
// flag into one admit/deny decision. It runs right after dedup on ingest,
// and again at drain time in case an operator stepped in mid-window.
type Gate struct {
	flags store.FlagStore
}

// NewGate creates an operational gate over the given flag store.
func NewGate(flags store.FlagStore) *Gate {
	return &Gate{flags: flags}
}

// ShouldProcess returns the admit/deny decision for the conversation.
// Kill switch takes precedence over manual mode.
func (g *Gate) ShouldProcess(ctx context.Context, conversationID string) (Decision, error) {
	ks, err := g.flags.KillSwitch(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("read kill switch: %w", err)
	}
	if ks.Active {
		return Decision{Allow: false, Reason: ReasonKillSwitch}, nil
	}

	manual, err := g.flags.ManualMode(ctx, conversationID)
	if err != nil {
		return Decision{}, fmt.Errorf("read manual mode for %s: %w", conversationID, err)
	}
	if manual {
		return Decision{Allow: false, Reason: ReasonManualMode}, nil
	}

	return Decision{Allow: true}, nil
}
