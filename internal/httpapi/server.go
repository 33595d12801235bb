package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/transport"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	readyTimeout        = 2 * time.Second
)

// Sessions is the part of session.Manager the HTTP surface drives.
type Sessions interface {
	Serve(ctx context.Context, conn transport.Conn, remoteAddr string) error
	Get(id string) (session.Info, error)
	List() []session.Info
	ActiveCount() int
	Stop(id string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	AllowAnyOrigin bool
	Provider       string
	Metrics        *observability.Metrics
	History        ledger.Store
	Logger         *slog.Logger
}

type Server struct {
	sessions Sessions
	provider string
	metrics  *observability.Metrics
	history  ledger.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(sessions Sessions, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowAny := opts.AllowAnyOrigin
	return &Server{
		sessions: sessions,
		provider: opts.Provider,
		metrics:  opts.Metrics,
		history:  opts.History,
		logger:   logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a microphone session.
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/voice-chat", s.handleVoiceChat)
	r.Get("/ws/voice-chat", s.handleVoiceChat)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			observability.MetricsHandler().ServeHTTP(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/history", s.handleHistory)
	r.Get("/v1/sessions/history/{id}/turns", s.handleHistoryTurns)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/stop", s.handleStopSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

// handleVoiceChat upgrades the request and runs one session on it until the
// session ends.
func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.ObserveSessionEvent("upgrade_failed")
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	err = s.sessions.Serve(r.Context(), conn, r.RemoteAddr)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionLimit), errors.Is(err, session.ErrShuttingDown):
		s.logger.Info("client not admitted", "remote_addr", r.RemoteAddr, "reason", err)
	default:
		s.logger.Debug("session ended with error", "remote_addr", r.RemoteAddr, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"provider":        s.provider,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	store := "disabled"
	if s.history != nil {
		store = "in-memory"
	}
	if p, ok := s.history.(pinger); ok {
		store = "postgres"
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":       "unavailable",
				"ledger_store": store,
				"error":        "ledger store unreachable",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"provider":     s.provider,
		"ledger_store": store,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	info, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.sessions.Stop(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "stop_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "stopped"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session history is not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	records, err := s.history.RecentSessions(r.Context(), limit)
	if err != nil {
		s.logger.Warn("list session history failed", "error", err)
		respondError(w, http.StatusInternalServerError, "ledger_error", "could not read session history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) handleHistoryTurns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session history is not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	turns, err := s.history.SessionTurns(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		s.logger.Warn("list session turns failed", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "ledger_error", "could not read session turns")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
