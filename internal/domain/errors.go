// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request payload or argument violated a constraint.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates an operation that is illegal from the
// entity's current status. The store is never mutated on this path.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAgentUnavailable indicates the resolved engine binary or its
// credentials are missing.
var ErrAgentUnavailable = errors.New("agent engine unavailable")

// ErrExecutionBlocked indicates the agent requested information and the
// step cannot proceed until a clarification is answered.
var ErrExecutionBlocked = errors.New("execution blocked on clarification")

// ErrTimeout indicates an execution exceeded its wall-clock budget.
var ErrTimeout = errors.New("execution timed out")

// ErrTransient marks failures worth retrying (network, rate limits).
var ErrTransient = errors.New("transient error")

// ErrExternalExecutor indicates the external job service misbehaved.
var ErrExternalExecutor = errors.New("external executor error")

// ErrConfiguration indicates an invalid configuration detected at startup.
var ErrConfiguration = errors.New("configuration error")
