package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a type alias for map[string]any used for JSON payloads.
type JSONMap = map[string]any

// FrameQueueHandler defines the interface for Frame queue subscribers.
// Implements queue.SubscribeWorker from Frame.
type FrameQueueHandler interface {
	// Handle processes an incoming queue message.
	Handle(ctx context.Context, headers map[string]string, payload []byte) error
}

// EventToQueuePayload converts an event to a Frame queue payload. The
// map carries every envelope field, including the payload checksum, so
// consumers can rebuild the event and verify it survived the queue
// intact.
func EventToQueuePayload(event *Event) (JSONMap, map[string]string) {
	payload := JSONMap{
		"event_id":         event.EventID.String(),
		"event_type":       event.EventType.String(),
		"build_id":         event.BuildID.String(),
		"schema_version":   event.SchemaVersion,
		"sequence_number":  event.SequenceNumber,
		"created_at":       event.CreatedAt.Format(time.RFC3339Nano),
		"payload":          event.Payload,
		"payload_checksum": event.PayloadChecksum,
	}
	if len(event.Tags) > 0 {
		payload["tags"] = event.Tags
	}

	headers := map[string]string{
		"event_type":     event.EventType.String(),
		"event_id":       event.EventID.String(),
		"build_id":       event.BuildID.String(),
		"sequence":       fmt.Sprintf("%d", event.SequenceNumber),
		"schema_version": event.SchemaVersion,
	}

	return payload, headers
}

// QueuePayloadToEvent converts a Frame queue payload back to an event.
func QueuePayloadToEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &event, nil
}

// EventEmitter wraps Frame's EventsManager for type-safe event emission.
type EventEmitter struct {
	emitFunc func(ctx context.Context, name string, payload any) error
}

// NewEventEmitter creates a new event emitter.
// Usage: emitter := NewEventEmitter(svc.EventsManager().Emit)
func NewEventEmitter(emitFunc func(ctx context.Context, name string, payload any) error) *EventEmitter {
	return &EventEmitter{emitFunc: emitFunc}
}

// Emit emits an internal event.
func (e *EventEmitter) Emit(ctx context.Context, eventName string, payload any) error {
	return e.emitFunc(ctx, eventName, payload)
}

// QueuePublisher wraps Frame's QueueManager for type-safe queue publishing.
type QueuePublisher struct {
	publishFunc func(ctx context.Context, queueName string, payload any, headers map[string]string) error
}

// NewQueuePublisher creates a new queue publisher.
// Usage: publisher := NewQueuePublisher(svc.QueueManager().Publish)
func NewQueuePublisher(publishFunc func(ctx context.Context, queueName string, payload any, headers map[string]string) error) *QueuePublisher {
	return &QueuePublisher{publishFunc: publishFunc}
}

// Publish publishes an event to a queue.
func (p *QueuePublisher) Publish(ctx context.Context, queueName string, event *Event) error {
	payload, headers := EventToQueuePayload(event)
	return p.publishFunc(ctx, queueName, payload, headers)
}

// PublishResult publishes a terminal build result to the results queue.
func (p *QueuePublisher) PublishResult(ctx context.Context, queueName string, result *BuildResult) error {
	payload := JSONMap{
		"build_id":     result.BuildID.String(),
		"status":       string(result.Status),
		"result":       result.Result,
		"completed_at": result.CompletedAt.Format(time.RFC3339Nano),
	}

	headers := map[string]string{
		"build_id": result.BuildID.String(),
		"status":   string(result.Status),
	}

	return p.publishFunc(ctx, queueName, payload, headers)
}

// BuildResult represents the terminal result of a build job.
type BuildResult struct {
	BuildID     BuildID        `json:"build_id"`
	Status      BuildStatus    `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// BuildStatus represents the terminal status of a build job.
type BuildStatus string

const (
	BuildStatusDeployed BuildStatus = "deployed"
	BuildStatusFailed   BuildStatus = "failed"
)
