package api

import (
	"context"
	"net/http"
	"time"

	"fileconverter/config"
)

const statusFail = "fail"

// EncoderChecker reports whether the encoder binary can be executed.
type EncoderChecker interface {
	Verify(ctx context.Context) (string, error)
}

// DependencyChecker exposes the latest check result per dependency.
type DependencyChecker interface {
	Health() map[string]bool
}

// QueueStats reports conversion backlog for readiness.
type QueueStats interface {
	QueueLen() int
	Active() int
}

type HealthHandler struct {
	encoder EncoderChecker
	deps    DependencyChecker
	queue   QueueStats
	version string
}

// NewHealthHandler builds the health handlers. deps and queue may be nil.
func NewHealthHandler(encoder EncoderChecker, deps DependencyChecker, queue QueueStats) *HealthHandler {
	return &HealthHandler{encoder: encoder, deps: deps, queue: queue, version: config.Version}
}

// Live handles GET /health/live. It never checks dependencies.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "fileconverter",
	})
}

// Ready handles GET /health/ready. A missing encoder fails readiness;
// unhealthy optional dependencies only degrade it.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	httpStatus := http.StatusOK
	checks := map[string]any{}

	if h.encoder != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		version, err := h.encoder.Verify(ctx)
		cancel()
		if err != nil {
			overall = statusFail
			httpStatus = http.StatusServiceUnavailable
			checks["encoder"] = map[string]any{"status": statusFail, "message": err.Error()}
		} else {
			checks["encoder"] = map[string]any{"status": "ok", "version": version}
		}
	}

	if h.deps != nil {
		for name, healthy := range h.deps.Health() {
			if healthy {
				checks[name] = map[string]any{"status": "ok"}
				continue
			}
			checks[name] = map[string]any{"status": statusFail}
			if overall != statusFail {
				overall = "degraded"
			}
		}
	}

	if h.queue != nil {
		checks["queue"] = map[string]any{
			"status": "ok",
			"queued": h.queue.QueueLen(),
			"active": h.queue.Active(),
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "fileconverter",
		"checks":    checks,
	})
}
