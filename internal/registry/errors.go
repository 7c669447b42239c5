package registry

import "fmt"

// ErrorKind discriminates the CommandError tagged union. Pattern matching
// over these values must stay exhaustive at every call site.
type ErrorKind string

const (
	// ErrorValidation means the wire command's payload failed its
	// definition's schema.
	ErrorValidation ErrorKind = "validation_error"
	// ErrorHandlerNotFound means no definition matches the command name.
	ErrorHandlerNotFound ErrorKind = "handler_not_found"
	// ErrorExecution means the handler rejected the command for a
	// domain-specific reason not covered by the other kinds.
	ErrorExecution ErrorKind = "execution_error"
	// ErrorAggregateNotFound means the handler's target aggregate does
	// not exist.
	ErrorAggregateNotFound ErrorKind = "aggregate_not_found"
	// ErrorConcurrencyConflict means the handler observed a version
	// mismatch against the expected aggregate state.
	ErrorConcurrencyConflict ErrorKind = "concurrency_conflict"
	// ErrorUnknown means the handler panicked, returned an unexpected
	// error, or some other defect occurred that the registry had to
	// reify rather than propagate.
	ErrorUnknown ErrorKind = "unknown_error"
)

// Error is the CommandError tagged union from the data model: exactly one
// kind is populated at a time, selected by Kind.
type Error struct {
	Kind ErrorKind

	CommandID   string
	CommandName string

	// ValidationErrors is populated when Kind == ErrorValidation.
	ValidationErrors []string

	// AvailableHandlers is populated when Kind == ErrorHandlerNotFound.
	AvailableHandlers []string

	// Message is populated when Kind is ErrorExecution or ErrorUnknown.
	Message string

	// ExpectedVersion/ActualVersion are populated when
	// Kind == ErrorConcurrencyConflict.
	ExpectedVersion int64
	ActualVersion   int64
}

// Error implements the error interface so registry.Error can travel through
// ordinary Go error-handling code (e.g. %w wrapping in logs) even though the
// registry never returns it as a Go error from Dispatch.
func (e Error) Error() string {
	switch e.Kind {
	case ErrorValidation:
		return fmt.Sprintf("validation error for command %q (%s): %v", e.CommandName, e.CommandID, e.ValidationErrors)
	case ErrorHandlerNotFound:
		return fmt.Sprintf("no handler registered for command %q (%s); available: %v", e.CommandName, e.CommandID, e.AvailableHandlers)
	case ErrorExecution:
		return fmt.Sprintf("execution error for command %q (%s): %s", e.CommandName, e.CommandID, e.Message)
	case ErrorAggregateNotFound:
		return fmt.Sprintf("aggregate not found for command %q (%s)", e.CommandName, e.CommandID)
	case ErrorConcurrencyConflict:
		return fmt.Sprintf("concurrency conflict for command %q (%s): expected version %d, actual %d", e.CommandName, e.CommandID, e.ExpectedVersion, e.ActualVersion)
	case ErrorUnknown:
		return fmt.Sprintf("unknown error dispatching command %q (%s): %s", e.CommandName, e.CommandID, e.Message)
	default:
		return fmt.Sprintf("unrecognised command error kind %q", e.Kind)
	}
}

// ValidationError builds an ErrorValidation failure.
func ValidationError(commandID, commandName string, errs []string) Error {
	return Error{Kind: ErrorValidation, CommandID: commandID, CommandName: commandName, ValidationErrors: errs}
}

// HandlerNotFoundError builds an ErrorHandlerNotFound failure.
func HandlerNotFoundError(commandID, commandName string, available []string) Error {
	return Error{Kind: ErrorHandlerNotFound, CommandID: commandID, CommandName: commandName, AvailableHandlers: available}
}

// ExecutionError builds an ErrorExecution failure.
func ExecutionError(commandID, commandName, message string) Error {
	return Error{Kind: ErrorExecution, CommandID: commandID, CommandName: commandName, Message: message}
}

// AggregateNotFoundError builds an ErrorAggregateNotFound failure.
func AggregateNotFoundError(commandID, commandName string) Error {
	return Error{Kind: ErrorAggregateNotFound, CommandID: commandID, CommandName: commandName}
}

// ConcurrencyConflictError builds an ErrorConcurrencyConflict failure.
func ConcurrencyConflictError(commandID, commandName string, expected, actual int64) Error {
	return Error{Kind: ErrorConcurrencyConflict, CommandID: commandID, CommandName: commandName, ExpectedVersion: expected, ActualVersion: actual}
}

// UnknownError builds an ErrorUnknown failure, used by the registry itself
// to contain handler defects.
func UnknownError(commandID, message string) Error {
	return Error{Kind: ErrorUnknown, CommandID: commandID, Message: message}
}
