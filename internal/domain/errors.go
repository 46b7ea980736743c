package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidTransition indicates a requested state change that has no
	// edge in the connection state machine. The connection is left
	// unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotTerminal is returned when a live connection is asked to be
	// removed from the registry.
	ErrNotTerminal = errors.New("connection not in a terminal state")

	// ErrConnectionNotFound means the requested connection ID does not exist.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrSharerNotFound means the requested sharer profile does not exist.
	ErrSharerNotFound = errors.New("sharer not found")

	// ErrSharerBusy means the sharer already holds an active reservation
	// and cannot serve a second connection.
	ErrSharerBusy = errors.New("sharer already reserved")

	// ErrNoSharerAvailable is the matcher's empty-result signal: no
	// eligible sharer exists right now. Callers retry later rather than
	// treating this as a hard failure.
	ErrNoSharerAvailable = errors.New("no sharer available")

	// ErrRelayUnavailable indicates the relay control endpoint could not
	// be reached after the bounded retry policy was exhausted.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrPortExhausted means no relay port remains free in the configured
	// range.
	ErrPortExhausted = errors.New("relay port range exhausted")
)

// ConnError wraps an underlying error with connection context.
type ConnError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *ConnError) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("connection %s: %s: %v", e.ConnID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
