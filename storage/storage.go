package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/stepflow/types"
)

// ErrNotFound is returned when a workflow is not in the store.
var ErrNotFound = errors.New("workflow not found in store")

// Store persists whole workflow aggregates. Save overwrites whatever was
// stored under the workflow's ID; there are no partial updates.
type Store interface {
	// Save stores a snapshot of the workflow.
	Save(ctx context.Context, wf types.Workflow) error

	// Load retrieves a workflow by ID. Missing IDs yield an error wrapping ErrNotFound.
	Load(ctx context.Context, id string) (types.Workflow, error)
}

// Lister is implemented by stores that can enumerate workflows.
type Lister interface {
	// List returns the workflows owned by ownerID, or every workflow when ownerID is empty.
	List(ctx context.Context, ownerID string) ([]types.Workflow, error)
}

// Cleaner is implemented by stores that can drop finished workflows.
type Cleaner interface {
	// ClearFinished removes completed, failed and cancelled workflows.
	ClearFinished(ctx context.Context) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func isFinished(status types.WorkflowStatus) bool {
	return status == types.WorkflowCompleted || status == types.WorkflowFailed || status == types.WorkflowCancelled
}
