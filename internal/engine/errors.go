package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a typed miss: an unknown ref or executor.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError rejects an operation that would collide with existing
// state: duplicate registration, duplicate ref, or a cross-identity
// profile edit. No mutation is performed.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }
