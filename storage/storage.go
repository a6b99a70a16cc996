package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/lab-workflow/types"
)

// Errors
var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrNoPending      = errors.New("no pending approval record")
	ErrConflict       = errors.New("concurrent modification")
	ErrDuplicate      = errors.New("entity already exists")
)

// Transition is one atomic workflow decision.
type Transition struct {
	// Entity is the new entity state. It is written with version
	// ExpectedVersion+1.
	Entity          types.WorkflowEntity
	ExpectedVersion int64
	// Processed is the formerly pending record, now filled in. It is only
	// written if the stored copy still has no user.
	Processed *types.ApprovalRecord
	// Next becomes the entity's new pending record.
	Next *types.ApprovalRecord
}

// Storage persists workflow entities and their approval records.
type Storage interface {
	// Create stores a new entity with its initial records.
	Create(ctx context.Context, entity types.WorkflowEntity, records []types.ApprovalRecord) error

	// Entity retrieves an entity by ID.
	Entity(ctx context.Context, id uint64) (types.WorkflowEntity, error)

	// Records lists an entity's approval records ordered by step.
	Records(ctx context.Context, entityID uint64) ([]types.ApprovalRecord, error)

	// Pending returns the entity's pending record or ErrNoPending.
	Pending(ctx context.Context, entityID uint64) (types.ApprovalRecord, error)

	// Apply commits a transition atomically or returns ErrConflict without
	// changing anything.
	Apply(ctx context.Context, tr Transition) error
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

// pendingOf picks the single pending record out of a record list.
func pendingOf(records []types.ApprovalRecord) (types.ApprovalRecord, bool) {
	for _, r := range records {
		if r.IsPending() {
			return r, true
		}
	}
	return types.ApprovalRecord{}, false
}
