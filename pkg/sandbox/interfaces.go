package sandbox

import (
	"context"

	"github.com/sandboxrunner/resource-slot/pkg/resources"
)

// Registry defines the contract for sandbox lifecycle operations.
// The HTTP layer depends on it so handlers can be tested against fakes.
type Registry interface {
	// Lifecycle
	Create(ctx context.Context, id string, data SandboxData) error
	Start(ctx context.Context, id string) error
	Update(ctx context.Context, id string, data SandboxData) error
	Stop(ctx context.Context, id string, force bool) error
	Delete(ctx context.Context, id string) error

	// Lookup
	Sandbox(ctx context.Context, id string) (*Sandbox, error)
	List(ctx context.Context) ([]Info, error)
	Usage(ctx context.Context) (resources.Usage, error)
	Events() *EventBus
}

// Ensure that Sandboxer implements Registry
var _ Registry = (*Sandboxer)(nil)
