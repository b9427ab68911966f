package domain

import "errors"

// Sentinel errors surfaced by the engine. Callers match them with errors.Is.
var (
	// ErrInvalidContext means the evaluation input cannot be used.
	ErrInvalidContext = errors.New("invalid evaluation context")

	// ErrInvalidInput means a request argument failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means the identifier is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the record is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidTransition means a case operation was called out of lifecycle order.
	ErrInvalidTransition = errors.New("invalid case transition")

	// ErrConflict means a concurrent or repeated write disagrees with stored state.
	ErrConflict = errors.New("conflict")
)
