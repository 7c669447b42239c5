package registry

import "github.com/eventflow/broker/internal/events"

// Result is the tagged union a dispatch always produces: exactly one of
// Position (success) or Err (failure) is set.
type Result struct {
	position events.Position
	err      *Error
}

// Success builds a successful dispatch result.
func Success(position events.Position) Result {
	return Result{position: position}
}

// Failure builds a failed dispatch result.
func Failure(err Error) Result {
	return Result{err: &err}
}

// Ok reports whether the dispatch succeeded.
func (r Result) Ok() bool { return r.err == nil }

// Position returns the success position and true, or the zero value and
// false if this result is a failure.
func (r Result) Position() (events.Position, bool) {
	if r.err != nil {
		return events.Position{}, false
	}
	return r.position, true
}

// Error returns the failure detail and true, or the zero Error and false if
// this result is a success.
func (r Result) Error() (Error, bool) {
	if r.err == nil {
		return Error{}, false
	}
	return *r.err, true
}
