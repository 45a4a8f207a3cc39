package utils

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks lookups by identifier that matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists marks creates whose identifier is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// NotFound builds an AppError for a missing entity that matches errors.Is(err, ErrNotFound).
func NotFound(op, kind, id string) error {
	return &AppError{Op: op, Msg: fmt.Sprintf("%s %q", kind, id), Err: ErrNotFound}
}

// IsNotFound reports whether err signals a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AlreadyExists builds an AppError for a create that collides with an existing entity.
func AlreadyExists(op, kind, id string) error {
	return &AppError{Op: op, Msg: fmt.Sprintf("%s %q", kind, id), Err: ErrAlreadyExists}
}

// IsAlreadyExists reports whether err signals an identifier collision.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
