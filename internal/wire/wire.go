// Package wire defines the JSON envelopes carried over a transport message's
// opaque payload, per the protocol's wire format.
//
// Every transport.Message has a Payload string holding one of the envelopes
// below, discriminated by the envelope's own "type" field. Client-to-server
// envelopes are CommandEnvelope and SubscribeEnvelope; server-to-client
// envelopes are ResultEnvelope and EventEnvelope.
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/eventflow/broker/internal/events"
)

const (
	// TypeCommand is the client->server envelope carrying a WireCommand.
	TypeCommand = "command"
	// TypeSubscribe is the client->server envelope declaring stream interest.
	TypeSubscribe = "subscribe"
	// TypeCommandResult is the server->client envelope carrying a dispatch outcome.
	TypeCommandResult = "command_result"
	// TypeEvent is the server->client envelope carrying a stream event.
	TypeEvent = "event"
)

// WireCommand is the untrusted external command envelope, as decoded off the
// wire but before its payload has been validated against a definition's
// schema.
type WireCommand struct {
	ID      string          `json:"id"`
	Target  string          `json:"target"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// typeProbe extracts just the discriminator field so a reader can decide how
// to decode the rest of the envelope.
type typeProbe struct {
	Type string `json:"type"`
}

// ProbeType returns the "type" field of a raw wire message, or an error if
// the message isn't a JSON object with a string "type" field.
func ProbeType(raw []byte) (string, error) {
	var probe typeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	if probe.Type == "" {
		return "", errMissingType
	}
	return probe.Type, nil
}

var errMissingType = errors.New(`message is missing a "type" field`)

// CommandEnvelope is the client->server "command" message.
type CommandEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Target  string          `json:"target"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// NewCommandEnvelope builds a command envelope ready to marshal.
func NewCommandEnvelope(cmd WireCommand) CommandEnvelope {
	return CommandEnvelope{
		Type:    TypeCommand,
		ID:      cmd.ID,
		Target:  cmd.Target,
		Name:    cmd.Name,
		Payload: cmd.Payload,
	}
}

// AsWireCommand projects the envelope down to the plain WireCommand struct.
func (e CommandEnvelope) AsWireCommand() WireCommand {
	return WireCommand{ID: e.ID, Target: e.Target, Name: e.Name, Payload: e.Payload}
}

// SubscribeEnvelope is the client->server "subscribe" message.
type SubscribeEnvelope struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
}

// NewSubscribeEnvelope builds a subscribe envelope for the given stream.
func NewSubscribeEnvelope(streamID string) SubscribeEnvelope {
	return SubscribeEnvelope{Type: TypeSubscribe, StreamID: streamID}
}

// ResultEnvelope is the server->client "command_result" message. Exactly one
// of Position or Error is populated, selected by Success.
type ResultEnvelope struct {
	Type      string           `json:"type"`
	CommandID string           `json:"commandId"`
	Success   bool             `json:"success"`
	Position  *events.Position `json:"position,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// NewSuccessResultEnvelope builds a success command_result envelope.
func NewSuccessResultEnvelope(commandID string, position events.Position) ResultEnvelope {
	return ResultEnvelope{Type: TypeCommandResult, CommandID: commandID, Success: true, Position: &position}
}

// NewFailureResultEnvelope builds a failure command_result envelope.
func NewFailureResultEnvelope(commandID, message string) ResultEnvelope {
	return ResultEnvelope{Type: TypeCommandResult, CommandID: commandID, Success: false, Error: message}
}

// EventEnvelope is the server->client "event" message.
type EventEnvelope struct {
	Type      string          `json:"type"`
	StreamID  string          `json:"streamId"`
	Position  events.Position `json:"position"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEventEnvelope builds an event envelope from a stream event.
func NewEventEnvelope(streamID string, evt events.Event) EventEnvelope {
	return EventEnvelope{
		Type:      TypeEvent,
		StreamID:  streamID,
		Position:  evt.Position,
		EventType: evt.Type,
		Data:      evt.Data,
		Timestamp: evt.Timestamp.UTC(),
	}
}
