package api

import (
	"context"
	"net/http"

	"github.com/koopa0/ease/internal/log"
)

// Pinger reports whether the model endpoint is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Degrader reports whether the tool gateway is running without a tool host.
type Degrader interface {
	Degraded() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	pinger Pinger
	tools  Degrader
	logger log.Logger
}

// NewHealthHandler creates a new health handler.
// pinger is used for readiness checks; pinger and tools may be nil.
func NewHealthHandler(pinger Pinger, tools Degrader, logger log.Logger) *HealthHandler {
	return &HealthHandler{pinger: pinger, tools: tools, logger: logger}
}

// RegisterRoutes registers health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

// liveness is a liveness probe endpoint.
// Returns 200 OK if the process is alive.
func (h *HealthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness is a readiness probe endpoint.
// Returns 200 OK when the model endpoint answers; the gateway cannot serve
// turns without it. Tool host degradation does not fail readiness.
func (h *HealthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.pinger == nil {
		http.Error(w, "model client not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.logger.Error("readiness check failed", "error", err)
		http.Error(w, "model endpoint not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	if h.tools != nil && h.tools.Degraded() {
		_, _ = w.Write([]byte("ready (tools degraded)"))
		return
	}
	_, _ = w.Write([]byte("ready"))
}
