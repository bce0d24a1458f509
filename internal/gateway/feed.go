package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
	feedSendBuffer = 64
)

// handleEventFeed upgrades to a websocket and streams pipeline events to an
// operator dashboard. Auth uses the admin token, accepted either as a bearer
// header or a ?token= query parameter (browser websocket clients cannot set
// headers).
func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.Snapshot().Gateway.AdminToken
	if token == "" {
		http.Error(w, "event feed disabled", http.StatusForbidden)
		return
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	send := make(chan bus.Event, feedSendBuffer)
	s.events.Subscribe(id, func(ev bus.Event) {
		select {
		case send <- ev:
		default:
			// Slow consumer; dropping beats blocking the pipeline.
		}
	})
	defer func() {
		s.events.Unsubscribe(id)
		conn.Close()
	}()

	slog.Debug("event feed client connected", "client", id)

	// Reader goroutine just drains control frames and detects close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("event feed write failed", "client", id, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
