package bus

import "time"

// Attachment is a media item carried by an inbound or outbound message.
type Attachment struct {
	Type string `json:"type"` // "image", "video", "file", "audio"
	URL  string `json:"url"`
}

// InboundEvent is one upstream webhook delivery, normalized.
// DeliveryID is the platform's message id (Messenger "mid") and is the
// key the dedup ledger admits on; redeliveries reuse it.
type InboundEvent struct {
	DeliveryID     string       `json:"delivery_id"`
	ConversationID string       `json:"conversation_id"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReceivedAt     time.Time    `json:"received_at"`
}

// PendingMessage is one accumulated entry awaiting drain.
type PendingMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ArrivedAt   time.Time    `json:"arrived_at"`
}

// MergedTurn is the unit handed to the generation service: one or more
// rapid messages from the same conversation collapsed into a single
// logical turn, text concatenated in arrival order.
type MergedTurn struct {
	ConversationID string       `json:"conversation_id"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Messages       int          `json:"messages"` // how many pending messages were merged
}

// Pipeline event names broadcast on the operator feed.
const (
	EventAccepted    = "accepted"     // event admitted and accumulated
	EventDuplicate   = "duplicate"    // delivery id already seen, discarded
	EventGated       = "gated"        // kill switch or manual mode denied
	EventRateLimited = "rate_limited" // per-conversation limit exceeded
	EventBreakerOpen = "breaker_open" // global circuit breaker tripped
	EventDrained     = "drained"      // one merged turn processed end to end
	EventDrainFailed = "drain_failed" // generation or delivery failed mid-drain
)

// Event is a pipeline decision broadcast to operator dashboards.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// The gateway's websocket feed and tests subscribe; the pipeline broadcasts.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
