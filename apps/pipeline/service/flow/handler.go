package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/gatekeeper/apps/pipeline/service/sandbox"
	"github.com/antinvestor/gatekeeper/internal/events"
	"github.com/antinvestor/gatekeeper/internal/failure"
)

// Submitter admits jobs into the bounded build pool.
type Submitter interface {
	Submit(job sandbox.Job) error
}

// BuildRequestHandler consumes build request envelopes from the intake
// queue, admits them into the scheduler and publishes the terminal
// outcome.
type BuildRequestHandler struct {
	runner      *Runner
	scheduler   Submitter
	publisher   *events.QueuePublisher
	resultQueue string
}

// NewBuildRequestHandler creates the intake queue handler.
func NewBuildRequestHandler(runner *Runner, scheduler Submitter, publisher *events.QueuePublisher, resultQueue string) *BuildRequestHandler {
	return &BuildRequestHandler{
		runner:      runner,
		scheduler:   scheduler,
		publisher:   publisher,
		resultQueue: resultQueue,
	}
}

// Handle processes one incoming build request envelope. A broken
// payload checksum drops the message, redelivery cannot repair a
// corrupted payload. Admission rejections surface immediately as
// failed results rather than blocking the queue consumer.
func (h *BuildRequestHandler) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	event, err := events.QueuePayloadToEvent(payload)
	if err != nil {
		return fmt.Errorf("decode build request envelope: %w", err)
	}

	log := util.Log(ctx).With("event_id", event.EventID.String())

	if !event.VerifyChecksum() {
		log.Error("dropping build request with checksum mismatch",
			"build_id", event.BuildID.String())
		return nil
	}

	var request events.BuildRequestedPayload
	if err = event.UnmarshalPayload(&request); err != nil {
		return fmt.Errorf("unmarshal build request payload: %w", err)
	}

	if request.BuildID.IsZero() {
		request.BuildID = event.BuildID
	}
	if request.BuildID.IsZero() {
		request.BuildID = events.NewBuildID()
	}

	log = log.With("build_id", request.BuildID.String())
	log.Info("build request received",
		"artifact_id", request.ArtifactID,
		"redelivery_attempt", event.RetryAttempt())

	err = h.scheduler.Submit(func(jobCtx context.Context) {
		outcome := h.runner.Run(jobCtx, request)
		h.publishOutcome(jobCtx, outcome)
	})
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrQueueFull):
			log.Warn("build queue full, rejecting request")
			h.publishRejection(ctx, request, "Build queue is at maximum depth. Retry later.")
		case errors.Is(err, sandbox.ErrIntakeHalted):
			log.Warn("intake halted, rejecting request")
			h.publishRejection(ctx, request, "Build intake is halted pending stability recovery.")
		default:
			return fmt.Errorf("submit build job: %w", err)
		}
	}

	return nil
}

func (h *BuildRequestHandler) publishOutcome(ctx context.Context, outcome Outcome) {
	detail := map[string]any{
		"retry_count": outcome.RetryCount,
	}
	if outcome.LiveURL != "" {
		detail["live_url"] = outcome.LiveURL
	}
	if outcome.Failure != nil {
		detail["failure"] = outcome.Failure.Map()
	}

	result := &events.BuildResult{
		BuildID:     outcome.BuildID,
		Status:      outcome.Status,
		Result:      detail,
		CompletedAt: time.Now().UTC(),
	}

	if err := h.publisher.PublishResult(ctx, h.resultQueue, result); err != nil {
		util.Log(ctx).WithError(err).Error("could not publish build result",
			"build_id", outcome.BuildID.String())
	}
}

func (h *BuildRequestHandler) publishRejection(ctx context.Context, request events.BuildRequestedPayload, reason string) {
	payload := failure.New("intake", "queue_rejection", 0, 0, reason, false)

	h.publishOutcome(ctx, Outcome{
		BuildID: request.BuildID,
		Status:  events.BuildStatusFailed,
		Failure: &payload,
	})
}
