package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// HealthCheck is a named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health reports liveness plus the result of each dependency probe.
func Health(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				results[c.Name] = err.Error()
				status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}
		body := map[string]any{"status": status}
		if len(results) > 0 {
			body["checks"] = results
		}
		writeJSON(w, code, body)
	}
}

// SignalsHandler upgrades authenticated sessions to the push channel.
type SignalsHandler struct {
	hub    *signals.Hub
	logger *logging.Logger
}

func NewSignalsHandler(hub *signals.Hub, logger *logging.Logger) *SignalsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SignalsHandler{hub: hub, logger: logger}
}

// ServeWS subscribes the caller to its own topic.
// GET /ws?token=...
func (h *SignalsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	h.hub.ServeWS(w, r, id.Topic())
}
