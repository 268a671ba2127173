package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the canonical envelope for all pipeline events.
type Event struct {
	// EventID is a globally unique event identifier (XID - time-ordered).
	EventID EventID `json:"event_id"`

	// BuildID is the build job this event belongs to (partition key).
	BuildID BuildID `json:"build_id"`

	// EventType is the event type identifier (e.g., "build.completed").
	EventType EventType `json:"event_type"`

	// SchemaVersion is the semantic version of the payload schema.
	SchemaVersion string `json:"schema_version"`

	// SequenceNumber increases monotonically within one build job.
	SequenceNumber uint64 `json:"sequence_number"`

	// CreatedAt is the wall clock timestamp when the event was created.
	CreatedAt time.Time `json:"created_at"`

	// Payload is the JSON-encoded event payload. Type determined by EventType.
	Payload json.RawMessage `json:"payload"`

	// PayloadChecksum is the SHA-256 checksum of the serialized payload.
	PayloadChecksum string `json:"payload_checksum"`

	// Tags are arbitrary key-value pairs for filtering/routing.
	Tags map[string]string `json:"tags,omitempty"`
}

// NewEvent constructs an event for the given build, sealing the payload
// with its checksum.
func NewEvent(buildID BuildID, eventType EventType, seq uint64, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Event{
		EventID:         NewEventID(),
		BuildID:         buildID,
		EventType:       eventType,
		SchemaVersion:   "1.0.0",
		SequenceNumber:  seq,
		CreatedAt:       time.Now().UTC(),
		Payload:         data,
		PayloadChecksum: computeChecksum(data),
	}, nil
}

// computeChecksum computes the SHA-256 checksum of data.
func computeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies the payload checksum.
func (e *Event) VerifyChecksum() bool {
	return e.PayloadChecksum == computeChecksum(e.Payload)
}

// UnmarshalPayload unmarshals the payload into the given type.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Key returns the partition key for this event.
func (e *Event) Key() string {
	return e.BuildID.String()
}

// RetryAttempt returns the retry attempt number from tags, 0 for first
// deliveries.
func (e *Event) RetryAttempt() int {
	if e.Tags == nil {
		return 0
	}
	if attempt, ok := e.Tags["retry_attempt"]; ok {
		var n int
		fmt.Sscanf(attempt, "%d", &n)
		return n
	}
	return 0
}
