package userdemo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/eventflow/broker/internal/events"
	"github.com/eventflow/broker/internal/registry"
	"github.com/eventflow/broker/internal/wire"
)

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return raw
}

func TestCreateUserSucceedsAndPublishes(t *testing.T) {
	store := NewStore()
	var published []events.Event
	handlers := NewHandlers(store, func(ctx context.Context, streamID string, evt events.Event) error {
		published = append(published, evt)
		return nil
	})

	reg, err := registry.New(handlers.Definitions()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cmd := wire.WireCommand{ID: "cmd-1", Target: "user-1", Name: "CreateUser", Payload: mustMarshal(t, CreateUserPayload{Email: "a@b.com", Name: "Ada"})}
	result := reg.Dispatch(context.Background(), cmd)
	if !result.Ok() {
		failure, _ := result.Error()
		t.Fatalf("expected success, got %+v", failure)
	}
	position, _ := result.Position()
	if position.StreamID != "user-1" || position.EventNumber != 1 {
		t.Fatalf("unexpected position: %+v", position)
	}
	if len(published) != 1 || published[0].Type != "UserCreated" {
		t.Fatalf("expected UserCreated published once, got %+v", published)
	}
}

func TestCreateUserGeneratesStreamIDWhenTargetEmpty(t *testing.T) {
	store := NewStore()
	handlers := NewHandlers(store, nil)
	reg, err := registry.New(handlers.Definitions()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cmd := wire.WireCommand{ID: "cmd-1", Name: "CreateUser", Payload: mustMarshal(t, CreateUserPayload{Email: "a@b.com", Name: "Ada"})}
	result := reg.Dispatch(context.Background(), cmd)
	if !result.Ok() {
		failure, _ := result.Error()
		t.Fatalf("expected success, got %+v", failure)
	}
	position, _ := result.Position()
	if position.StreamID == "" {
		t.Fatal("expected a generated stream id")
	}
}

func TestCreateUserRejectsInvalidPayload(t *testing.T) {
	store := NewStore()
	handlers := NewHandlers(store, nil)
	reg, err := registry.New(handlers.Definitions()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cmd := wire.WireCommand{ID: "cmd-1", Name: "CreateUser", Payload: mustMarshal(t, map[string]string{"email": "not-an-email"})}
	result := reg.Dispatch(context.Background(), cmd)
	if result.Ok() {
		t.Fatal("expected validation failure for missing name and bad email")
	}
	failure, _ := result.Error()
	if failure.Kind != registry.ErrorValidation {
		t.Fatalf("expected ErrorValidation, got %v", failure.Kind)
	}
}

func TestUpdateProfileRequiresExistingUser(t *testing.T) {
	store := NewStore()
	handlers := NewHandlers(store, nil)
	reg, err := registry.New(handlers.Definitions()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cmd := wire.WireCommand{ID: "cmd-2", Target: "user-missing", Name: "UpdateProfile", Payload: mustMarshal(t, UpdateProfilePayload{Name: "Ada"})}
	result := reg.Dispatch(context.Background(), cmd)
	if result.Ok() {
		t.Fatal("expected failure for missing aggregate")
	}
	failure, _ := result.Error()
	if failure.Kind != registry.ErrorAggregateNotFound {
		t.Fatalf("expected ErrorAggregateNotFound, got %v", failure.Kind)
	}
}

func TestUpdateProfileSucceedsAfterCreate(t *testing.T) {
	store := NewStore()
	handlers := NewHandlers(store, nil)
	reg, err := registry.New(handlers.Definitions()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	create := wire.WireCommand{ID: "cmd-3", Target: "user-2", Name: "CreateUser", Payload: mustMarshal(t, CreateUserPayload{Email: "a@b.com", Name: "Ada"})}
	if result := reg.Dispatch(context.Background(), create); !result.Ok() {
		t.Fatalf("expected CreateUser to succeed")
	}

	update := wire.WireCommand{ID: "cmd-4", Target: "user-2", Name: "UpdateProfile", Payload: mustMarshal(t, UpdateProfilePayload{Name: "Ada Lovelace"})}
	result := reg.Dispatch(context.Background(), update)
	if !result.Ok() {
		failure, _ := result.Error()
		t.Fatalf("expected success, got %+v", failure)
	}
	position, _ := result.Position()
	if position.EventNumber != 2 {
		t.Fatalf("expected eventNumber 2, got %d", position.EventNumber)
	}
}
