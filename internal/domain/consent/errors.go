package consent

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a grant or token does not exist.
	ErrNotFound = errors.New("consent not found")

	// ErrUnauthorized is returned when the caller does not own the grant. It
	// deliberately carries no detail about the real owner.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotActive is returned when a token is requested for a grant that is
	// not active or whose period has ended.
	ErrNotActive = errors.New("consent is not active")
)

// ValidationError lists every problem found in a grant request.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid consent request: " + strings.Join(e.Violations, "; ")
}

// DependencyError wraps a failure of a backing store or collaborator.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *DependencyError) Unwrap() error { return e.Err }
