package models

import (
	"errors"
	"fmt"
	"time"
)

// DataUnavailableError reports that there is not enough telemetry to reach a
// verdict. It is never fatal; the evaluation is deferred.
type DataUnavailableError struct {
	ComponentID string
	Have        int
	Need        int
	What        string
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("insufficient %s for %s: have %d, need %d", e.What, e.ComponentID, e.Have, e.Need)
}

// TestingFailure means the selected validation strategy rejected a candidate.
type TestingFailure struct {
	ComponentID string
	Strategy    string
	Reason      string
}

func (e *TestingFailure) Error() string {
	return fmt.Sprintf("%s testing rejected candidate for %s: %s", e.Strategy, e.ComponentID, e.Reason)
}

// DeploymentFailure means the runtime could not load a deployed version and
// the current pointer was reverted.
type DeploymentFailure struct {
	ComponentID string
	VersionID   string
	Reverted    bool
	Err         error
}

func (e *DeploymentFailure) Error() string {
	state := "reverted"
	if !e.Reverted {
		state = "revert failed"
	}
	return fmt.Sprintf("deploy %s of %s failed (%s): %v", e.VersionID, e.ComponentID, state, e.Err)
}

func (e *DeploymentFailure) Unwrap() error { return e.Err }

// RollbackFailure means the rollback target could not be loaded. The
// component is held as degraded until an operator repairs it.
type RollbackFailure struct {
	ComponentID string
	ToVersionID string
	Err         error
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback of %s to %s failed: %v", e.ComponentID, e.ToVersionID, e.Err)
}

func (e *RollbackFailure) Unwrap() error { return e.Err }

// ExternalCollaboratorTimeout is a transient failure of an external call.
type ExternalCollaboratorTimeout struct {
	Collaborator string
	ComponentID  string
	Timeout      time.Duration
	Err          error
}

func (e *ExternalCollaboratorTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s for %s: %v", e.Collaborator, e.Timeout, e.ComponentID, e.Err)
}

func (e *ExternalCollaboratorTimeout) Unwrap() error { return e.Err }

// InvariantViolationError reports zero or several current versions for an
// active component.
type InvariantViolationError struct {
	ComponentID  string
	CurrentCount int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("component %s has %d current versions", e.ComponentID, e.CurrentCount)
}

// Sentinel errors shared across packages.
var (
	ErrComponentNotFound = errors.New("component not found")
	ErrVersionNotFound   = errors.New("version not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrComponentInactive = errors.New("component is not active")
	ErrComponentHeld     = errors.New("component is held for manual repair")
)

// IsTransient reports whether err should be retried on a later cycle rather
// than treated as a verdict.
func IsTransient(err error) bool {
	var timeout *ExternalCollaboratorTimeout
	var unavailable *DataUnavailableError
	return errors.As(err, &timeout) || errors.As(err, &unavailable)
}
