package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/generation"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Sender delivers a generated reply to the conversation's outbound channel.
// Implementations own chunking and directive resolution.
type Sender interface {
	Send(ctx context.Context, conversationID string, reply generation.Reply) error
}

// Processor drains a conversation's pending messages into one merged turn,
// generates a reply, and sends it. A per-conversation lease lock guarantees
// at most one drain runs for a conversation at a time, so the at-least-once
// wake scheduler collapses to exactly-once processing.
type Processor struct {
	gate    *Gate
	breaker *Breaker
	turns   store.TurnStore
	locks   store.LockStore
	convs   store.ConversationStore
	gen     generation.Generator
	sender  Sender
	events  bus.EventPublisher
	tracer  trace.Tracer

	mu         sync.RWMutex
	lease      time.Duration
	genTimeout time.Duration
	history    int
}

// ProcessorConfig carries the processor's collaborators and tuning.
type ProcessorConfig struct {
	Gate              *Gate
	Breaker           *Breaker
	Turns             store.TurnStore
	Locks             store.LockStore
	Conversations     store.ConversationStore
	Generator         generation.Generator
	Sender            Sender
	LockLease         time.Duration
	GenerationTimeout time.Duration
	HistoryLimit      int
	Events            bus.EventPublisher
	Tracer            trace.Tracer
}

// NewProcessor builds a turn processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		gate:       cfg.Gate,
		breaker:    cfg.Breaker,
		turns:      cfg.Turns,
		locks:      cfg.Locks,
		convs:      cfg.Conversations,
		gen:        cfg.Generator,
		sender:     cfg.Sender,
		lease:      cfg.LockLease,
		genTimeout: cfg.GenerationTimeout,
		history:    cfg.HistoryLimit,
		events:     cfg.Events,
		tracer:     cfg.Tracer,
	}
}

// SetTuning replaces the lease, generation timeout and history limit
// (config hot reload).
func (p *Processor) SetTuning(lease, genTimeout time.Duration, historyLimit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lease = lease
	p.genTimeout = genTimeout
	p.history = historyLimit
}

func (p *Processor) tuning() (time.Duration, time.Duration, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lease, p.genTimeout, p.history
}

// Drain runs one processing attempt for a conversation. It is safe to call
// concurrently and redundantly; losing the lock or finding nothing pending
// are quiet no-ops.
func (p *Processor) Drain(ctx context.Context, conversationID string, now time.Time) error {
	ctx, span := p.tracer.Start(ctx, "processor.drain",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	// Operational state may have changed between accumulation and wake.
	decision, err := p.gate.ShouldProcess(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("gate check: %w", err)
	}
	if !decision.Allow {
		slog.Info("drain skipped, conversation gated",
			"conversation", conversationID, "reason", decision.Reason)
		p.publish(bus.EventGated, conversationID)
		return nil
	}

	// The breaker is global: a storm tripped via any conversation denies
	// every drain started while the window is over threshold. Pending
	// messages stay accumulated; a later wake picks them up once the
	// breaker closes.
	open, err := p.breaker.Open(ctx, now)
	if err != nil {
		return fmt.Errorf("breaker check: %w", err)
	}
	if open {
		slog.Warn("drain deferred, circuit breaker open", "conversation", conversationID)
		p.publish(bus.EventBreakerOpen, conversationID)
		return nil
	}

	lease, genTimeout, historyLimit := p.tuning()

	holder := uuid.NewString()
	acquired, err := p.locks.AcquireLock(ctx, conversationID, holder, now, lease)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		// Another drain owns this conversation; its run covers our messages.
		slog.Debug("drain skipped, lock held", "conversation", conversationID)
		return nil
	}
	defer func() {
		if relErr := p.locks.ReleaseLock(context.WithoutCancel(ctx), conversationID, holder); relErr != nil {
			slog.Error("lock release failed", "conversation", conversationID, "error", relErr)
		}
	}()

	pending, err := p.turns.DrainPending(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("drain pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	turn := mergeTurn(conversationID, pending)
	span.SetAttributes(attribute.Int("turn.messages", len(pending)))

	if err := p.processTurn(ctx, turn, genTimeout, historyLimit); err != nil {
		// The pending list is already cleared; log enough to reconstruct
		// the lost turn by hand.
		slog.Error("turn processing failed",
			"conversation", conversationID,
			"messages", turn.Messages,
			"text", turn.Text,
			"error", err)
		p.publish(bus.EventDrainFailed, conversationID)
		return fmt.Errorf("process turn: %w", err)
	}

	p.publish(bus.EventDrained, conversationID)
	return nil
}

func (p *Processor) processTurn(ctx context.Context, turn bus.MergedTurn, genTimeout time.Duration, historyLimit int) error {
	history, err := p.convs.History(ctx, turn.ConversationID, historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, genTimeout)
	defer cancel()
	reply, err := p.gen.Generate(genCtx, turn, history)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	now := time.Now()
	userEntry := store.Entry{Role: store.RoleUser, Text: turn.Text, At: now}
	assistantEntry := store.Entry{Role: store.RoleAssistant, Text: reply.Text, At: now}
	if err := p.convs.AppendExchange(ctx, turn.ConversationID, userEntry, assistantEntry, historyLimit); err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}

	if err := p.sender.Send(ctx, turn.ConversationID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (p *Processor) publish(name string, conversationID string) {
	if p.events == nil {
		return
	}
	p.events.Broadcast(bus.Event{Name: name, Payload: map[string]any{
		"conversation_id": conversationID,
	}})
}

// mergeTurn collapses a drained batch into one turn, oldest first. Texts are
// joined with a single space; attachments are concatenated in arrival order.
func mergeTurn(conversationID string, pending []bus.PendingMessage) bus.MergedTurn {
	texts := make([]string, 0, len(pending))
	var attachments []bus.Attachment
	for _, msg := range pending {
		if msg.Text != "" {
			texts = append(texts, msg.Text)
		}
		attachments = append(attachments, msg.Attachments...)
	}
	return bus.MergedTurn{
		ConversationID: conversationID,
		Text:           strings.Join(texts, " "),
		Attachments:    attachments,
		Messages:       len(pending),
	}
}
