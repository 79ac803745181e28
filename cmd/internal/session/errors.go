package session

import "errors"

var (
	// ErrNotAuthenticated is returned when an operation needs a stored
	// credential and none exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionTerminated is returned to callers whose request caused,
	// or raced with, session termination.
	ErrSessionTerminated = errors.New("session terminated")
)
