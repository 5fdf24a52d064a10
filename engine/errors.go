package engine

import (
	"errors"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
)

// Error kinds. Use errors.Is to classify an error returned by the engine.
// Errors matching none of these are internal failures.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = storage.ErrNotFound
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrUpstream     = errors.New("upstream failure")
)

// Error is an engine error with a message meant for the caller.
type Error struct {
	Kind    error
	Message string

	// Problems lists specific field-level problems, if any.
	Problems []string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(msg string, problems ...string) error {
	return &Error{Kind: ErrValidation, Message: msg, Problems: problems}
}

func conflictError(msg string) error {
	return &Error{Kind: ErrConflict, Message: msg}
}

func notFoundError(msg string, err error) error {
	return &Error{Kind: ErrNotFound, Message: msg, Err: err}
}

// wrapNotFound converts a storage not found error into an engine
// not found error carrying msg. Other errors are returned as is.
func wrapNotFound(err error, msg string) error {
	if errors.Is(err, storage.ErrNotFound) {
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		return notFoundError(msg, err)
	}
	return err
}

// Message returns the caller-facing message and problems of err.
// Internal errors return a generic message.
func Message(err error) (string, []string) {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Message, e.Problems
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "Invalid request", nil
	case errors.Is(err, ErrNotFound):
		return "Not found", nil
	case errors.Is(err, ErrConflict):
		return "Conflict", nil
	case errors.Is(err, ErrUnauthorized):
		return "Authentication required", nil
	case errors.Is(err, ErrForbidden):
		return "Forbidden", nil
	}
	return "Internal error", nil
}

// Guard messages.
const (
	msgRunCancelled   = "Workflow run is cancelled"
	msgRunLocked      = "Workflow run is locked"
	msgNotRepeatable  = "This workflow form does not allow multiple submissions"
	msgSkipReason     = "Skip reason is required"
	msgDisplayName    = "Display name is required"
	msgRunNotFound    = "Workflow run not found"
	msgItemNotFound   = "Workflow item not found"
	msgFormNotFound   = "Form not found"
	msgSessionMissing = "Session not found"
)
