// Package api provides the HTTP and WebSocket gateway for the voice console.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-console/internal/agent"
	"github.com/ashureev/voice-console/internal/config"
	"github.com/ashureev/voice-console/internal/metrics"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/store"
	"github.com/ashureev/voice-console/internal/timeline"
	"github.com/ashureev/voice-console/internal/transport"
)

// maxRequestBodySize caps JSON request bodies (1MB).
const maxRequestBodySize = 1 << 20

// HealthChecker probes the agent worker.
type HealthChecker interface {
	Check(ctx context.Context) agent.HealthStatus
}

// Deps are the collaborators of Handler. Repo, Health and Metrics may be nil.
type Deps struct {
	Sessions *session.Manager
	Repo     store.Repository
	Health   HealthChecker
	Metrics  *metrics.Metrics
	Limiter  *RateLimiter
	Config   *config.Config
	Logger   *slog.Logger
}

// Handler serves the session API.
type Handler struct {
	sessions *session.Manager
	repo     store.Repository
	health   HealthChecker
	metrics  *metrics.Metrics
	limiter  *RateLimiter
	cfg      *config.Config
	logger   *slog.Logger
}

// NewHandler creates a Handler. A nil Limiter uses the configured rate limit.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	}
	return &Handler{
		sessions: d.Sessions,
		repo:     d.Repo,
		health:   d.Health,
		metrics:  d.Metrics,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRoutes registers the API, metrics and WebSocket routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/agent/health", h.GetAgentHealth)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Delete("/{id}", h.EndSession)
			r.Get("/{id}/timeline", h.GetTimeline)
			r.Post("/{id}/messages", h.SendMessage)
		})
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Get("/ws/session", NewSessionSocket(h).ServeHTTP)
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// GetConfig returns the presentational configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.cfg.App)
}

// GetAgentHealth probes the agent worker.
func (h *Handler) GetAgentHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		JSON(w, http.StatusServiceUnavailable, agent.HealthStatus{Status: "DISABLED"})
		return
	}
	st := h.health.Check(r.Context())
	status := http.StatusOK
	if !st.Serving {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, st)
}

// allow applies the per-session chat rate limit.
func (h *Handler) allow(sessionID string) bool {
	if h.limiter.Allow(sessionID) {
		return true
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitHit()
	}
	h.logger.Warn("Chat rate limit exceeded", "session_id", sessionID)
	return false
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps session and transport errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, timeline.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, transport.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrSendRejected), errors.Is(err, transport.ErrClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	Error(w, statusFor(err), err.Error())
}
