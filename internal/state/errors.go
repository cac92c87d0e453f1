package state

import "errors"

// API error taxonomy. Handlers map these to HTTP status codes; every other
// error is treated as internal.
var (
	// ErrNotFound marks an unknown job or worker id.
	ErrNotFound = errors.New("not found")
	// ErrConflictingState marks an operation that is invalid for the
	// entity's current state, e.g. a result for a job the submitting
	// worker does not own, or a mutation of a terminal job.
	ErrConflictingState = errors.New("conflicting state")
	// ErrInvalidArgument marks a malformed request. No state change.
	ErrInvalidArgument = errors.New("invalid argument")
)
