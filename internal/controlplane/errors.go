package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNoHold            = errors.New("component is not held")
	ErrNoPreviousVersion = errors.New("no previous version to roll back to")
)
