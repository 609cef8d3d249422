package connproxy

import "errors"

var (
	// ErrConfigurationMissing is returned by Acquire when the upgrade
	// configuration names no handler or no resolver was supplied.
	ErrConfigurationMissing = errors.New("connection configuration missing")

	// ErrDelegateFailure wraps errors returned by, and panics raised in,
	// handler callbacks.
	ErrDelegateFailure = errors.New("handler callback failed")

	// ErrPeerNotification wraps failures to tell the peer about an error.
	ErrPeerNotification = errors.New("could not notify peer")

	// ErrClosed is returned when sending on a connection that is closing or
	// closed.
	ErrClosed = errors.New("connection closed")

	// ErrNotAcquired is returned by Open when no handler has been acquired
	// and acquisition fails.
	ErrNotAcquired = errors.New("no handler acquired")
)
