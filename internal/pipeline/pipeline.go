package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
)

// Pipeline is the inbound admission chain. Every webhook delivery passes
// through it exactly once: dedup, operational gate, rate limit, circuit
// breaker, then accumulation and a debounced wake.
type Pipeline struct {
	ledger    *Ledger
	gate      *Gate
	limiter   *RateLimiter
	breaker   *Breaker
	acc       *Accumulator
	debouncer *Debouncer
	events    bus.EventPublisher
	tracer    trace.Tracer
}

// Config carries the pipeline's stages.
type Config struct {
	Ledger      *Ledger
	Gate        *Gate
	RateLimiter *RateLimiter
	Breaker     *Breaker
	Accumulator *Accumulator
	Debouncer   *Debouncer
	Events      bus.EventPublisher
	Tracer      trace.Tracer
}

// New assembles the admission pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		ledger:    cfg.Ledger,
		gate:      cfg.Gate,
		limiter:   cfg.RateLimiter,
		breaker:   cfg.Breaker,
		acc:       cfg.Accumulator,
		debouncer: cfg.Debouncer,
		events:    cfg.Events,
		tracer:    cfg.Tracer,
	}
}

// Ingest admits one inbound delivery. The returned Outcome says what happened
// to it; err is reserved for infrastructure failures, not rejections.
func (p *Pipeline) Ingest(ctx context.Context, ev bus.InboundEvent) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(
			attribute.String("conversation.id", ev.ConversationID),
			attribute.String("delivery.id", ev.DeliveryID),
		))
	defer span.End()

	admitted, err := p.ledger.Admit(ctx, ev.DeliveryID, ev.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("dedup: %w", err)
	}
	if !admitted {
		slog.Info("duplicate delivery dropped",
			"conversation", ev.ConversationID, "delivery", ev.DeliveryID)
		p.publish(bus.EventDuplicate, ev)
		return OutcomeDuplicate, nil
	}

	decision, err := p.gate.ShouldProcess(ctx, ev.ConversationID)
	if err != nil {
		return "", fmt.Errorf("gate: %w", err)
	}
	if !decision.Allow {
		slog.Info("delivery gated",
			"conversation", ev.ConversationID, "reason", decision.Reason)
		p.publish(bus.EventGated, ev)
		return OutcomeGated, nil
	}

	under, err := p.limiter.CheckAndRecord(ctx, ev.ConversationID, ev.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	if !under {
		slog.Warn("conversation over rate limit", "conversation", ev.ConversationID)
		p.publish(bus.EventRateLimited, ev)
		return OutcomeRateLimited, nil
	}

	tripped, err := p.breaker.TripIfOverloaded(ctx, ev.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("breaker: %w", err)
	}
	if tripped {
		slog.Warn("circuit breaker open, delivery dropped",
			"conversation", ev.ConversationID)
		p.publish(bus.EventBreakerOpen, ev)
		return OutcomeBreakerOpen, nil
	}

	if err := p.acc.Append(ctx, ev); err != nil {
		return "", fmt.Errorf("accumulate: %w", err)
	}
	p.debouncer.ScheduleWake(ev.ConversationID, ev.ReceivedAt)

	p.publish(bus.EventAccepted, ev)
	return OutcomeAccepted, nil
}

func (p *Pipeline) publish(name string, ev bus.InboundEvent) {
	if p.events == nil {
		return
	}
	p.events.Broadcast(bus.Event{Name: name, Payload: map[string]any{
		"conversation_id": ev.ConversationID,
		"delivery_id":     ev.DeliveryID,
	}})
}
