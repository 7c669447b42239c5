// Package registry implements the command registry: a frozen set of named
// command definitions, each pairing a payload schema with a handler, and the
// dispatch operation that decodes, validates, and invokes them.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/eventflow/broker/internal/wire"
)

// validate is shared across every Registry; go-playground/validator's
// Validate type is safe for concurrent use once constructed.
var validate = validator.New(validator.WithRequiredStructEnabled())

// DomainCommand is a WireCommand whose payload has been decoded and passed
// its definition's schema.
type DomainCommand struct {
	ID      string
	Target  string
	Name    string
	Payload any
}

// Handler executes a validated domain command and produces a dispatch
// result. A handler may return Failure variants itself (AggregateNotFound,
// ConcurrencyConflict, a domain-specific ExecutionError) — those pass
// through Dispatch unchanged. A handler must not need to guard against
// panics itself: the registry contains any defect and converts it to
// Failure(UnknownError).
type Handler func(ctx context.Context, cmd DomainCommand) Result

// CommandDefinition pairs a unique command name with a payload schema and
// the handler that executes validated instances of it.
//
// NewPayload must return a fresh pointer to the zero value of the payload
// type (e.g. func() any { return &CreateUserPayload{} }); the registry
// decodes the wire JSON into it and runs struct-tag validation
// (`validate:"..."`) over the result.
type CommandDefinition struct {
	Name       string
	NewPayload func() any
	Handler    Handler
}

// Registry holds a frozen set of command definitions and dispatches wire
// commands to the matching handler. A Registry is safe for concurrent
// Dispatch calls provided the registered handlers are.
type Registry struct {
	definitions map[string]CommandDefinition
	names       []string
}

// New constructs a Registry from the given definitions. Construction fails
// if any name is empty, any NewPayload/Handler is nil, or two definitions
// share a name.
func New(definitions ...CommandDefinition) (*Registry, error) {
	byName := make(map[string]CommandDefinition, len(definitions))
	names := make([]string, 0, len(definitions))
	for _, def := range definitions {
		if def.Name == "" {
			return nil, fmt.Errorf("registry: command definition has an empty name")
		}
		if def.NewPayload == nil {
			return nil, fmt.Errorf("registry: command %q has no payload factory", def.Name)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("registry: command %q has no handler", def.Name)
		}
		if _, exists := byName[def.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate command definition for %q", def.Name)
		}
		byName[def.Name] = def
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return &Registry{definitions: byName, names: names}, nil
}

// Names returns the sorted list of registered command names. The returned
// slice is a copy; callers may mutate it freely.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Dispatch decodes and validates the wire command's payload against its
// definition's schema, then invokes the matching handler. It never panics
// and never returns a Go error: every outcome, including an unregistered
// command name, a schema violation, or a handler defect, is reified into a
// Result.
func (r *Registry) Dispatch(ctx context.Context, cmd wire.WireCommand) Result {
	def, ok := r.definitions[cmd.Name]
	if !ok {
		return Failure(HandlerNotFoundError(cmd.ID, cmd.Name, r.Names()))
	}

	payload := def.NewPayload()
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, payload); err != nil {
			return Failure(ValidationError(cmd.ID, cmd.Name, []string{err.Error()}))
		}
	}
	if err := validate.StructCtx(ctx, payload); err != nil {
		return Failure(ValidationError(cmd.ID, cmd.Name, describeValidationErrors(err)))
	}

	domainCmd := DomainCommand{ID: cmd.ID, Target: cmd.Target, Name: cmd.Name, Payload: payload}
	return r.invoke(ctx, def.Handler, domainCmd)
}

// invoke calls the handler under a recover() so a panic is reified into
// Failure(UnknownError) instead of propagating out of Dispatch.
func (r *Registry) invoke(ctx context.Context, handler Handler, cmd DomainCommand) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Failure(UnknownError(cmd.ID, fmt.Sprintf("%v", rec)))
		}
	}()
	return handler(ctx, cmd)
}

func describeValidationErrors(err error) []string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return out
}
