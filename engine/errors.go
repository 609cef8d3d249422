package engine

import "errors"

var (
	// ErrHandshakeFailed is wrapped by Result.Err for failed negotiations.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrPathInUse is returned when registering a configuration whose path is
	// already registered.
	ErrPathInUse = errors.New("path already registered")

	// ErrInvalidPath is returned for paths that are not absolute or contain a
	// malformed template segment.
	ErrInvalidPath = errors.New("invalid path")

	// ErrUnknownToken is returned when unregistering a token that is not
	// registered.
	ErrUnknownToken = errors.New("unknown configuration token")
)
