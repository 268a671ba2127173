// Package handlers exposes the pipeline's HTTP surface: build
// submission, pipeline status, alerts and release evaluation.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/gatekeeper/apps/pipeline/config"
	"github.com/antinvestor/gatekeeper/internal/events"
)

// maxSubmissionSize bounds the request body on the submission endpoint.
const maxSubmissionSize = int64(1 << 20)

// BuildHandler handles build submissions.
type BuildHandler struct {
	cfg       *appconfig.PipelineConfig
	publisher *events.QueuePublisher
}

// NewBuildHandler creates a new build submission handler.
func NewBuildHandler(cfg *appconfig.PipelineConfig, publisher *events.QueuePublisher) *BuildHandler {
	return &BuildHandler{
		cfg:       cfg,
		publisher: publisher,
	}
}

// BuildSubmission is an incoming build request from clients.
type BuildSubmission struct {
	// ArtifactID identifies the generated project being validated (required).
	ArtifactID string `json:"artifact_id"`

	// ContextDir is the build context directory on the build host (required).
	ContextDir string `json:"context_dir"`

	// LiveURL is the deployment target to verify after shipping (optional).
	LiveURL string `json:"live_url,omitempty"`
}

// BuildSubmissionResponse is the response for a build submission.
type BuildSubmissionResponse struct {
	Status  string   `json:"status"`
	BuildID string   `json:"build_id,omitempty"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

// HandleSubmitBuild handles POST /api/v1/builds requests.
func (h *BuildHandler) HandleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := util.Log(ctx)

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionSize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			h.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxSubmissionSize), nil)
			return
		}
		log.WithError(err).Error("failed to read request body")
		h.writeError(w, http.StatusBadRequest, "Failed to read request body", nil)
		return
	}
	defer util.CloseAndLogOnError(ctx, r.Body, "failed to close request body")

	var submission BuildSubmission
	if err = json.Unmarshal(body, &submission); err != nil {
		log.WithError(err).Debug("invalid JSON in request body")
		h.writeError(w, http.StatusBadRequest, "Invalid JSON in request body", []string{err.Error()})
		return
	}

	validationErrors := h.validate(&submission)
	if len(validationErrors) > 0 {
		h.writeError(w, http.StatusBadRequest, "Validation failed", validationErrors)
		return
	}

	buildID := events.NewBuildID()

	request := events.BuildRequestedPayload{
		BuildID:    buildID,
		ArtifactID: submission.ArtifactID,
		ContextDir: submission.ContextDir,
		LiveURL:    submission.LiveURL,
	}

	// Seal the request in a checksummed envelope so the queue consumer
	// can verify it arrived intact.
	event, err := events.NewEvent(buildID, events.BuildRequested, 0, request)
	if err != nil {
		log.WithError(err).Error("failed to build request envelope")
		h.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	if err = h.publisher.Publish(ctx, h.cfg.QueueBuildRequestName, event); err != nil {
		log.WithError(err).Error("failed to publish to queue")
		h.writeError(w, http.StatusInternalServerError, "Failed to queue build", nil)
		return
	}

	log.Info("build request queued",
		"build_id", buildID.String(),
		"artifact_id", submission.ArtifactID,
	)

	writeJSON(w, http.StatusAccepted, BuildSubmissionResponse{
		Status:  "accepted",
		BuildID: buildID.String(),
		Message: "Build queued for validation",
	})
}

func (h *BuildHandler) validate(submission *BuildSubmission) []string {
	var errs []string

	if submission.ArtifactID == "" {
		errs = append(errs, "artifact_id is required")
	}
	if submission.ContextDir == "" {
		errs = append(errs, "context_dir is required")
	} else if !strings.HasPrefix(submission.ContextDir, "/") {
		errs = append(errs, "context_dir must be an absolute path")
	}
	if submission.LiveURL != "" &&
		!strings.HasPrefix(submission.LiveURL, "http://") &&
		!strings.HasPrefix(submission.LiveURL, "https://") {
		errs = append(errs, "live_url must be an http(s) URL")
	}

	return errs
}

func (h *BuildHandler) writeError(w http.ResponseWriter, status int, message string, errs []string) {
	writeJSON(w, status, BuildSubmissionResponse{
		Status:  "error",
		Message: message,
		Errors:  errs,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// timestamp formats times for status payloads.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
