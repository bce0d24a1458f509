package messenger

import (
	"testing"
	"time"
)

func TestParseWebhook(t *testing.T) {
	now := time.Now()
	body := []byte(`{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"time": 1700000000000,
			"messaging": [
				{
					"sender": {"id": "psid-1"},
					"timestamp": 1700000000001,
					"message": {"mid": "mid.alpha", "text": "hello"}
				},
				{
					"sender": {"id": "psid-2"},
					"timestamp": 1700000000002,
					"message": {
						"mid": "mid.beta",
						"attachments": [{"type": "image", "payload": {"url": "https://cdn.fb.example/a.jpg"}}]
					}
				},
				{
					"sender": {"id": "psid-3"},
					"timestamp": 1700000000003,
					"delivery": {"watermark": 1700000000000}
				}
			]
		}]
	}`)

	events, err := ParseWebhook(body, now)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	if events[0].DeliveryID != "mid.alpha" || events[0].ConversationID != "psid-1" || events[0].Text != "hello" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if !events[0].ReceivedAt.Equal(now) {
		t.Errorf("event[0].ReceivedAt = %v, want %v", events[0].ReceivedAt, now)
	}
	if len(events[1].Attachments) != 1 || events[1].Attachments[0].URL != "https://cdn.fb.example/a.jpg" {
		t.Errorf("event[1] attachments = %+v", events[1].Attachments)
	}
}

func TestParseWebhookSkipsEchoes(t *testing.T) {
	body := []byte(`{
		"object": "page",
		"entry": [{"messaging": [{
			"sender": {"id": "page-1"},
			"message": {"mid": "mid.echo", "text": "our own reply", "is_echo": true}
		}]}]
	}`)

	events, err := ParseWebhook(body, time.Now())
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("echo produced %d events, want 0", len(events))
	}
}

func TestParseWebhookRejectsNonPage(t *testing.T) {
	if _, err := ParseWebhook([]byte(`{"object": "instagram", "entry": []}`), time.Now()); err == nil {
		t.Fatal("non-page webhook should be rejected")
	}
	if _, err := ParseWebhook([]byte(`not json`), time.Now()); err == nil {
		t.Fatal("malformed body should be rejected")
	}
}
