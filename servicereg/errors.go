package servicereg

import "errors"

var (
	// ErrNotFound is returned for ids that are unknown or unregistered.
	ErrNotFound = errors.New("service not found")

	// ErrInvalidProperties is returned by Register for unusable properties.
	ErrInvalidProperties = errors.New("invalid service properties")

	// ErrActivation is returned by Acquire when the service instance could
	// not be created or activated.
	ErrActivation = errors.New("service activation failed")
)
