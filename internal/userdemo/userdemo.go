// Package userdemo provides a minimal user aggregate: an in-memory event
// store plus the CreateUser/UpdateProfile command definitions used to
// exercise the registry, client protocol, and server protocol end to end.
// It is sample domain code, not part of the broker's protocol surface.
package userdemo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventflow/broker/internal/events"
	"github.com/eventflow/broker/internal/registry"
)

// CreateUserPayload is the payload schema for the CreateUser command.
type CreateUserPayload struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required"`
}

// UpdateProfilePayload is the payload schema for the UpdateProfile command.
type UpdateProfilePayload struct {
	Name string `json:"name" validate:"required"`
}

// Publisher broadcasts a domain event on a stream to subscribed clients.
type Publisher func(ctx context.Context, streamID string, evt events.Event) error

// Store is an in-memory append-only log of user events, keyed by stream id.
type Store struct {
	mu     sync.Mutex
	events map[string][]events.Event
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{events: make(map[string][]events.Event)}
}

func (s *Store) append(streamID, eventType string, data any) events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(data)
	number := uint64(len(s.events[streamID])) + 1
	evt := events.Event{
		Position:  events.Position{StreamID: streamID, EventNumber: number},
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now(),
	}
	s.events[streamID] = append(s.events[streamID], evt)
	return evt
}

func (s *Store) exists(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[streamID]) > 0
}

// Handlers binds a Store to a Publisher and produces the CreateUser and
// UpdateProfile command definitions.
type Handlers struct {
	store   *Store
	publish Publisher
}

// NewHandlers constructs Handlers over store, broadcasting every appended
// event through publish. publish may be nil, in which case events are
// recorded but never broadcast.
func NewHandlers(store *Store, publish Publisher) *Handlers {
	return &Handlers{store: store, publish: publish}
}

// Definitions returns the CommandDefinitions for this aggregate, ready to
// pass to registry.New.
func (h *Handlers) Definitions() []registry.CommandDefinition {
	return []registry.CommandDefinition{
		{
			Name:       "CreateUser",
			NewPayload: func() any { return &CreateUserPayload{} },
			Handler:    h.createUser,
		},
		{
			Name:       "UpdateProfile",
			NewPayload: func() any { return &UpdateProfilePayload{} },
			Handler:    h.updateProfile,
		},
	}
}

func (h *Handlers) createUser(ctx context.Context, cmd registry.DomainCommand) registry.Result {
	payload := cmd.Payload.(*CreateUserPayload)
	streamID := cmd.Target
	if streamID == "" {
		streamID = uuid.NewString()
	}
	evt := h.store.append(streamID, "UserCreated", payload)
	h.publishEvent(ctx, streamID, evt)
	return registry.Success(evt.Position)
}

func (h *Handlers) updateProfile(ctx context.Context, cmd registry.DomainCommand) registry.Result {
	payload := cmd.Payload.(*UpdateProfilePayload)
	streamID := cmd.Target
	if !h.store.exists(streamID) {
		return registry.Failure(registry.AggregateNotFoundError(cmd.ID, cmd.Name))
	}
	evt := h.store.append(streamID, "UserEmailUpdated", payload)
	h.publishEvent(ctx, streamID, evt)
	return registry.Success(evt.Position)
}

func (h *Handlers) publishEvent(ctx context.Context, streamID string, evt events.Event) {
	if h.publish == nil {
		return
	}
	_ = h.publish(ctx, streamID, evt)
}
