package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/config"
	"github.com/nextlevelbuilder/turnbot/internal/messenger"
	"github.com/nextlevelbuilder/turnbot/internal/pipeline"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Server is the HTTP front door: the Messenger webhook, operator admin API,
// and the websocket event feed.
type Server struct {
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	flags    store.FlagStore
	breaker  *pipeline.Breaker
	limiter  *pipeline.RateLimiter
	events   bus.EventPublisher
	ingress  *IngressLimiter
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps carries the server's collaborators.
type Deps struct {
	Config      *config.Config
	Pipeline    *pipeline.Pipeline
	Flags       store.FlagStore
	Breaker     *pipeline.Breaker
	RateLimiter *pipeline.RateLimiter
	Events      bus.EventPublisher
}

// NewServer creates the gateway server.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:     d.Config,
		pipe:    d.Pipeline,
		flags:   d.Flags,
		breaker: d.Breaker,
		limiter: d.RateLimiter,
		events:  d.Events,
		ingress: NewIngressLimiter(d.Config.Snapshot().Gateway.IngressRPM),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleEventFeed)
	s.registerAdminRoutes(mux)

	s.mux = mux
	return mux
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	snap := s.cfg.Snapshot()

	addr := fmt.Sprintf("%s:%d", snap.Gateway.Host, snap.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebhook serves the Messenger webhook: GET for the subscription
// handshake, POST for deliveries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerify(w, r)
	case http.MethodPost:
		s.handleDelivery(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	verifyToken := s.cfg.Snapshot().Gateway.VerifyToken
	if mode == "subscribe" && verifyToken != "" && token == verifyToken && challenge != "" {
		slog.Info("webhook verified")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
		return
	}

	slog.Warn("webhook verification failed", "mode", mode)
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if !s.ingress.Allow(clientIP(r)) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	events, err := messenger.ParseWebhook(body, time.Now())
	if err != nil {
		slog.Warn("webhook parse failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		outcome, err := s.pipe.Ingest(r.Context(), ev)
		if err != nil {
			// Meta retries on non-200, and the dedup ledger absorbs the
			// replay, so log and keep going.
			slog.Error("ingest failed",
				"conversation", ev.ConversationID,
				"delivery", ev.DeliveryID,
				"error", err)
			continue
		}
		slog.Debug("delivery ingested",
			"conversation", ev.ConversationID,
			"delivery", ev.DeliveryID,
			"outcome", string(outcome))
	}

	// Always acknowledge so Meta does not disable the webhook.
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "EVENT_RECEIVED")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"status":"ok"}`)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
