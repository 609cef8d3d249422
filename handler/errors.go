package handler

import "errors"

var (
	// ErrUnsupportedData is returned by Endpoint.OnMessage when no callback
	// accepts the message type.
	ErrUnsupportedData = errors.New("no handler for message type")

	// ErrInvalidCallback is returned by Analyze when a discovered callback has
	// a signature that cannot be dispatched.
	ErrInvalidCallback = errors.New("invalid callback signature")

	// ErrTypeMismatch is returned when an instance does not have the type a
	// CallbackTable was built for.
	ErrTypeMismatch = errors.New("instance type does not match callback table")

	// ErrNotRawHandler is returned when a KindRaw instance does not implement
	// RawHandler.
	ErrNotRawHandler = errors.New("instance does not implement RawHandler")
)
