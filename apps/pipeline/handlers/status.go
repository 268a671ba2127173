package handlers

import (
	"net/http"
	"time"

	"github.com/antinvestor/gatekeeper/apps/pipeline/service/monitor"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/sandbox"
)

// StatusHandler reports the pipeline's admission and alert state.
type StatusHandler struct {
	scheduler *sandbox.Scheduler
	monitor   *monitor.ProductionMonitor
	started   time.Time
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(scheduler *sandbox.Scheduler, mon *monitor.ProductionMonitor) *StatusHandler {
	return &StatusHandler{
		scheduler: scheduler,
		monitor:   mon,
		started:   time.Now(),
	}
}

// PipelineStatus is the status payload.
type PipelineStatus struct {
	Status       string   `json:"status"`
	IntakeHalted bool     `json:"intake_halted"`
	QueueLength  int      `json:"queue_length"`
	ActiveAlerts []string `json:"active_alerts"`
	StartedAt    string   `json:"started_at"`
}

// HandleStatus handles GET /api/v1/pipeline/status requests.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	status := "running"
	if h.scheduler.Halted() {
		status = "halted"
	}

	writeJSON(w, http.StatusOK, PipelineStatus{
		Status:       status,
		IntakeHalted: h.scheduler.Halted(),
		QueueLength:  h.scheduler.QueueLength(),
		ActiveAlerts: h.monitor.ActiveAlerts(),
		StartedAt:    timestamp(h.started),
	})
}

// HandleAlerts handles GET /api/v1/alerts requests.
func (h *StatusHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	alerts := h.monitor.ActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

// HandleResume handles POST /api/v1/pipeline/resume requests. An
// operator acknowledges the instability and reopens intake.
func (h *StatusHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	h.scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}
