package messenger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
)

// webhookPayload mirrors the Messenger webhook envelope. Only the fields the
// pipeline needs are decoded.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string  `json:"id"`
		Time      int64   `json:"time"`
		Messaging []event `json:"messaging"`
	} `json:"entry"`
}

type event struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

// ParseWebhook decodes a Messenger webhook body into inbound events.
// Non-message events (delivery receipts, read receipts, postbacks) and echoes
// of the page's own messages are skipped, not errors.
func ParseWebhook(body []byte, now time.Time) ([]bus.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.Object != "page" {
		return nil, fmt.Errorf("unexpected webhook object %q", payload.Object)
	}

	var events []bus.InboundEvent
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.IsEcho {
				continue
			}
			if ev.Sender.ID == "" || ev.Message.MID == "" {
				continue
			}

			inbound := bus.InboundEvent{
				DeliveryID:     ev.Message.MID,
				ConversationID: ev.Sender.ID,
				Text:           ev.Message.Text,
				ReceivedAt:     now,
			}
			for _, att := range ev.Message.Attachments {
				inbound.Attachments = append(inbound.Attachments, bus.Attachment{
					Type: att.Type,
					URL:  att.Payload.URL,
				})
			}
			if inbound.Text == "" && len(inbound.Attachments) == 0 {
				continue
			}
			events = append(events, inbound)
		}
	}
	return events, nil
}
