package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingRevenue    = errors.New("estimated revenue is required to enter hired")
	ErrUnauthorized      = errors.New("actor is not permitted to modify this conversion")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conversion was modified concurrently")
)

// InputError names the offending field of a rejected input.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// NewInputError builds an InputError for field.
func NewInputError(field, reason string) error {
	return &InputError{Field: field, Reason: reason}
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	LinkType LinkType
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move %s conversion from %s to %s", e.LinkType, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
