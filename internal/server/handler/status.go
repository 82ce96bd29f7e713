package handler

import (
	"log/slog"
	"net/http"

	"github.com/quantegy/tokensentry/internal/service"
)

// MonitorStatusProvider reports the monitoring loop's runtime state.
type MonitorStatusProvider interface {
	Status() service.MonitorStatus
}

// StatusHandler serves the runtime status endpoint.
type StatusHandler struct {
	monitor MonitorStatusProvider
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. monitor may be nil when the
// process runs in server-only mode.
func NewStatusHandler(monitor MonitorStatusProvider, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		monitor: monitor,
		logger:  logHandler(logger, "status"),
	}
}

// GetStatus returns the monitor's tick counters and position count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeJSON(w, http.StatusOK, map[string]string{"monitor": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Status())
}
