package generation

import (
	"context"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// DirectiveKind names an inline action a generated reply can request.
type DirectiveKind string

const (
	// DirectiveSendImage asks the outbound channel to attach a product image.
	DirectiveSendImage DirectiveKind = "send_image"
)

// Directive is a structured action extracted from generated text.
type Directive struct {
	Kind      DirectiveKind
	ProductID string
}

// Reply is the model's answer for one merged turn. Text has directive
// markers already stripped.
type Reply struct {
	Text       string
	Directives []Directive
}

// Generator produces a reply for a merged turn given prior conversation
// history, oldest entry first.
type Generator interface {
	Generate(ctx context.Context, turn bus.MergedTurn, history []store.Entry) (Reply, error)
}
