package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a session for the key is already active.
	ErrConflict = errors.New("session already active")

	// ErrNotFound is returned when no session exists for the key.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidState is returned when a record is not in a state that allows
	// the requested change.
	ErrInvalidState = errors.New("invalid session state")

	// errStale aborts an update whose record changed since it was read.
	errStale = errors.New("stale session record")
)

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SpawnFailure reports a session whose process could not be started or died
// during the health window. Reason carries the process's diagnostic output.
type SpawnFailure struct {
	Key    StreamKey
	Role   Role
	Reason string
	Err    error
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("start %s process for %s: %s", e.Role, e.Key, e.Reason)
}

func (e *SpawnFailure) Unwrap() error { return e.Err }
