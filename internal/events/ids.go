// Package events provides event-driven primitives for the build reliability pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// BuildID identifies one submitted build job. XIDs are time-ordered,
// URL-safe and need no coordination between pipeline workers.
type BuildID struct {
	id xid.ID
}

// NewBuildID generates a new build ID.
func NewBuildID() BuildID {
	return BuildID{id: xid.New()}
}

// ParseBuildID parses a build ID from string.
func ParseBuildID(s string) (BuildID, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return BuildID{}, fmt.Errorf("invalid build ID %q: %w", s, err)
	}
	return BuildID{id: id}, nil
}

// String returns the string representation.
func (b BuildID) String() string {
	return b.id.String()
}

// Short returns the first 8 characters for human-readable contexts
// such as container names.
func (b BuildID) Short() string {
	s := b.id.String()
	if len(s) >= 8 {
		return s[:8]
	}
	return s
}

// Time returns the timestamp embedded in the ID.
func (b BuildID) Time() time.Time {
	return b.id.Time()
}

// IsZero returns true if this is the zero value.
func (b BuildID) IsZero() bool {
	return b.id.IsNil()
}

// MarshalJSON implements json.Marshaler.
func (b BuildID) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BuildID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := xid.FromString(s)
	if err != nil {
		return err
	}
	b.id = id
	return nil
}

// EventID identifies a single pipeline event.
type EventID struct {
	id xid.ID
}

// NewEventID generates a new event ID.
func NewEventID() EventID {
	return EventID{id: xid.New()}
}

// ParseEventID parses an event ID from string.
func ParseEventID(s string) (EventID, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event ID %q: %w", s, err)
	}
	return EventID{id: id}, nil
}

// String returns the string representation.
func (e EventID) String() string {
	return e.id.String()
}

// IsZero returns true if this is the zero value.
func (e EventID) IsZero() bool {
	return e.id.IsNil()
}

// MarshalJSON implements json.Marshaler.
func (e EventID) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *EventID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := xid.FromString(s)
	if err != nil {
		return err
	}
	e.id = id
	return nil
}
