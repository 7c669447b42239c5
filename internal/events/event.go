// Package events defines the plain value types that flow through a stream:
// positions, which order events within a stream, and the events themselves.
package events

import (
	"encoding/json"
	"time"
)

// Position identifies a single event's place within a stream. Numbering is
// monotonic per streamId and starts at one.
type Position struct {
	StreamID    string `json:"streamId"`
	EventNumber uint64 `json:"eventNumber"`
}

// Event is an immutable fact published to a stream.
type Event struct {
	Position  Position        `json:"position"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}
