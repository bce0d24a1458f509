package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// registerAdminRoutes mounts the operator API. Every route requires the
// admin bearer token; with no token configured the whole API is disabled.
func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/status", s.requireAdmin(s.handleStatus))
	mux.HandleFunc("POST /admin/killswitch", s.requireAdmin(s.handleKillSwitch))
	mux.HandleFunc("POST /admin/manual/{conversation}", s.requireAdmin(s.handleManualMode))
	mux.HandleFunc("POST /admin/breaker/reset", s.requireAdmin(s.handleBreakerReset))
	mux.HandleFunc("POST /admin/ratelimits/{conversation}/clear", s.requireAdmin(s.handleRateClear))
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Snapshot().Gateway.AdminToken
		if token == "" {
			http.Error(w, "admin api disabled", http.StatusForbidden)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	KillSwitch  store.KillSwitchState `json:"kill_switch"`
	BreakerOpen bool                  `json:"breaker_open"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ks, err := s.flags.KillSwitch(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	open, err := s.breaker.Open(r.Context(), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusResponse{KillSwitch: ks, BreakerOpen: open})
}

type killSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	state := store.KillSwitchState{Active: req.Active}
	if req.Active {
		state.Reason = req.Reason
		state.ActivatedAt = time.Now()
	}
	if err := s.flags.SetKillSwitch(r.Context(), state); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("kill switch updated", "active", req.Active, "reason", req.Reason)
	writeJSON(w, state)
}

type manualModeRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleManualMode(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")
	if conversationID == "" {
		http.Error(w, "missing conversation", http.StatusBadRequest)
		return
	}

	var req manualModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.flags.SetManualMode(r.Context(), conversationID, req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("manual mode updated", "conversation", conversationID, "enabled", req.Enabled)
	writeJSON(w, map[string]any{"conversation_id": conversationID, "enabled": req.Enabled})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if err := s.breaker.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("circuit breaker reset by operator")
	writeJSON(w, map[string]string{"status": "reset"})
}

func (s *Server) handleRateClear(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")
	if conversationID == "" {
		http.Error(w, "missing conversation", http.StatusBadRequest)
		return
	}
	if err := s.limiter.Clear(r.Context(), conversationID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("rate limits cleared", "conversation", conversationID)
	writeJSON(w, map[string]string{"conversation_id": conversationID, "status": "cleared"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}
