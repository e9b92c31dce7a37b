package sandbox

import (
	"context"

	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
	"github.com/sandboxrunner/ctf-supervisor/pkg/runtime"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

// Supervisor defines the lifecycle operations exposed to the API layer.
// This interface allows for easy testing and mocking of the manager.
type Supervisor interface {
	// Core lifecycle operations
	Spawn(ctx context.Context, req Request) (*Instance, error)
	Destroy(ctx context.Context, instanceID string, requesterID *string) error
	List(ctx context.Context, filter ListFilter) ([]*Instance, error)
	Get(ctx context.Context, instanceID string) (*Instance, error)

	// Diagnostics
	Logs(ctx context.Context, instanceID string, tail int) (string, error)
	Stats(ctx context.Context, instanceID string) (*runtime.Stats, error)
	Challenges() []catalog.Summary
	History(ctx context.Context, ownerID string, limit int) ([]*storage.InstanceRecord, error)
	Reconcile(ctx context.Context) (*ReconcileReport, error)
	Health(ctx context.Context) HealthStatus

	// Event stream
	Subscribe(handler EventHandler, filter EventFilter, types ...EventType) string
	Unsubscribe(subscriptionID string)
	RecentEvents(limit int) []Event
}

// Ensure that Manager implements Supervisor
var _ Supervisor = (*Manager)(nil)
