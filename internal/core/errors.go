package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores and lookups when a key or ID is absent.
	ErrNotFound = errors.New("not found")
	// ErrIntegrity signals an evidence hash mismatch.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrInvalidTransition is returned for a backwards lifecycle status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError describes a malformed rule, condition or config section.
type ValidationError struct {
	Subject string   // rule ID or config section
	Issues  []string // one entry per failed field
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, strings.Join(e.Issues, "; "))
}

// NewValidationError builds a ValidationError from formatted issues.
func NewValidationError(subject string, issues ...string) *ValidationError {
	return &ValidationError{Subject: subject, Issues: issues}
}

// StorageError wraps a failure against the persistence port.
type StorageError struct {
	Op  string // "load" or "save"
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ActionError is an automated-response action failure. It is recorded in the
// incident's action log and never propagated further.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
