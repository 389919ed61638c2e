package sandbox

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Resource kinds reported in Error
const (
	ResourceSandbox   = "sandbox"
	ResourceContainer = "container"
)

// Error carries the id an operation failed on. Kind is one of the
// sentinel errors above, so callers match with errors.Is.
type Error struct {
	Kind     error
	Resource string
	ID       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Resource, e.ID, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func sandboxNotFound(id string) error {
	return &Error{Kind: ErrNotFound, Resource: ResourceSandbox, ID: id}
}

func sandboxExists(id string) error {
	return &Error{Kind: ErrAlreadyExists, Resource: ResourceSandbox, ID: id}
}

func containerNotFound(id string) error {
	return &Error{Kind: ErrNotFound, Resource: ResourceContainer, ID: id}
}

func containerExists(id string) error {
	return &Error{Kind: ErrAlreadyExists, Resource: ResourceContainer, ID: id}
}
