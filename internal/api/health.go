package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/pairsend/internal/supervisor"
)

// HealthHandler reports liveness with a few runtime counters.
type HealthHandler struct {
	*Handler
	sup     *supervisor.Supervisor
	started time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(base *Handler, sup *supervisor.Supervisor) *HealthHandler {
	return &HealthHandler{Handler: base, sup: sup, started: time.Now()}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health returns service status.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"sessions":       h.mgr.Count(),
		"goroutines":     h.sup.Counters(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}
