package fleet

import "errors"

var (
	// ErrHostNotFound is returned when a host is not part of the fleet
	ErrHostNotFound = errors.New("host not found")

	// ErrDuplicateHost is returned when a host id is already registered
	ErrDuplicateHost = errors.New("duplicate host")

	// ErrInvalidPrecondition is returned when a host's current state does
	// not allow the requested action
	ErrInvalidPrecondition = errors.New("invalid precondition")

	// ErrDuplicateRequest is returned when an action request duplicates one
	// already in flight
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrActionUnsupported is returned when a host does not declare the
	// requested action in its capability set
	ErrActionUnsupported = errors.New("action not supported by host")

	// ErrRetryExhausted is returned when an action's retry budget is spent
	ErrRetryExhausted = errors.New("retry budget exhausted")
)
