package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rzbill/relay/internal/backend"
)

// HealthChecker reports whether local storage is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// StatusSource exposes the coordination loop snapshot.
type StatusSource interface {
	Status() backend.Status
	Running() bool
}

// GeneralController handles health and status endpoints.
type GeneralController struct {
	health HealthChecker
	status StatusSource
}

// NewGeneralController creates a new general controller. status may be nil
// when no backend loop runs in this process.
func NewGeneralController(health HealthChecker, status StatusSource) *GeneralController {
	return &GeneralController{health: health, status: status}
}

// RegisterRoutes registers:
//   - GET /v1/healthz
//   - GET /v1/status
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/healthz", c.handleHealth)
	r.Get("/v1/status", c.handleStatus)
}

// handleHealth returns 200 {"status":"ok"} when storage answers, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.health.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleStatus returns the latest loop snapshot: tracked tasks,
// subscriptions, outbox depth and connection state.
func (c *GeneralController) handleStatus(w http.ResponseWriter, r *http.Request) {
	if c.status == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not running")
		return
	}
	writeJSON(w, map[string]any{
		"running": c.status.Running(),
		"backend": c.status.Status(),
	})
}
