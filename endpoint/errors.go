package endpoint

import "errors"

var (
	// ErrDuplicatePath is returned when a registration claims a path already
	// bound to another registration. The existing binding is kept.
	ErrDuplicatePath = errors.New("path already bound to another handler")

	// ErrNoActiveHandler is returned by Resolve when the handler is unknown or
	// was removed before it could be acquired.
	ErrNoActiveHandler = errors.New("no active handler")

	// ErrInvalidHandler is returned when a registration's metadata or
	// instance cannot be dispatched to.
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrRegistryClosed is returned by OnHandlerAdded after Shutdown.
	ErrRegistryClosed = errors.New("endpoint registry is shut down")
)
