package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/gatekeeper/apps/pipeline/service/release"
	"github.com/antinvestor/gatekeeper/internal/events"
)

// EventsEmitter emits internal events.
type EventsEmitter interface {
	Emit(ctx context.Context, eventName string, payload any) error
}

// ReleaseHandler evaluates release stage transitions from accumulated
// run metrics.
type ReleaseHandler struct {
	recorder    *release.Recorder
	reliability *release.ReliabilityCalculator
	abuse       *release.AbuseStabilityCalculator
	gatekeeper  *release.Gatekeeper
	emitter     EventsEmitter
}

// NewReleaseHandler creates a release evaluation handler.
func NewReleaseHandler(
	recorder *release.Recorder,
	reliability *release.ReliabilityCalculator,
	abuse *release.AbuseStabilityCalculator,
	gatekeeper *release.Gatekeeper,
	emitter EventsEmitter,
) *ReleaseHandler {
	return &ReleaseHandler{
		recorder:    recorder,
		reliability: reliability,
		abuse:       abuse,
		gatekeeper:  gatekeeper,
		emitter:     emitter,
	}
}

// EvaluateRequest selects the target stage for a release evaluation.
type EvaluateRequest struct {
	TargetStage string `json:"target_stage"`
}

// EvaluateResponse carries the decision and the report behind it.
type EvaluateResponse struct {
	Decision release.Decision `json:"decision"`
	Report   release.Report   `json:"report"`
}

// HandleEvaluate handles POST /api/v1/release/evaluate requests.
func (h *ReleaseHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request_body"})
		return
	}
	if req.TargetStage == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target_stage is required"})
		return
	}

	raw := h.recorder.Snapshot()
	report := h.reliability.CalculateIndex(raw)
	decision := h.gatekeeper.Evaluate(ctx, req.TargetStage, report, raw)

	if h.emitter != nil {
		err := h.emitter.Emit(ctx, events.ReleaseEvaluated.String(), events.ReleaseEvaluatedPayload{
			TargetStage:      decision.TargetStage,
			Approved:         decision.Approved,
			Failures:         decision.Failures,
			ReliabilityIndex: report.ReliabilityIndex,
			EvaluatedAt:      time.Now().UTC(),
		})
		if err != nil {
			util.Log(ctx).WithError(err).Warn("could not emit release evaluation")
		}
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Decision: decision,
		Report:   report,
	})
}

// HandleAbuseScore handles POST /api/v1/release/abuse requests. Session
// metrics come from the caller, the abuse window is not tracked by the
// pipeline itself.
func (h *ReleaseHandler) HandleAbuseScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	var metrics release.AbuseMetrics
	if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request_body"})
		return
	}

	writeJSON(w, http.StatusOK, h.abuse.CalculateScore(metrics))
}
