package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/lab-workflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	entities map[uint64]types.WorkflowEntity
	records  map[uint64][]types.ApprovalRecord
	mu       sync.RWMutex
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entities: make(map[uint64]types.WorkflowEntity),
		records:  make(map[uint64][]types.ApprovalRecord),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// Create stores a new entity with its initial records.
func (s *MemoryStorage) Create(ctx context.Context, entity types.WorkflowEntity, records []types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.entities[entity.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrDuplicate, entity.ID)
		}
		s.entities[entity.ID] = entity.Clone()
		copied := make([]types.ApprovalRecord, 0, len(records))
		for _, r := range records {
			copied = append(copied, r.Clone())
		}
		s.records[entity.ID] = copied
		return nil
	})
}

// Entity retrieves an entity from memory.
func (s *MemoryStorage) Entity(ctx context.Context, id uint64) (types.WorkflowEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := getItem(ctx, s.entities, id, ErrEntityNotFound)
	if err != nil {
		return types.WorkflowEntity{}, err
	}
	return e.Clone(), nil
}

// Records lists an entity's records ordered by step.
func (s *MemoryStorage) Records(ctx context.Context, entityID uint64) ([]types.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := getItem(ctx, s.entities, entityID, ErrEntityNotFound); err != nil {
		return nil, err
	}
	out := make([]types.ApprovalRecord, 0, len(s.records[entityID]))
	for _, r := range s.records[entityID] {
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Pending returns the entity's pending record.
func (s *MemoryStorage) Pending(ctx context.Context, entityID uint64) (types.ApprovalRecord, error) {
	records, err := s.Records(ctx, entityID)
	if err != nil {
		return types.ApprovalRecord{}, err
	}
	r, ok := pendingOf(records)
	if !ok {
		return types.ApprovalRecord{}, fmt.Errorf("%w: entity=%d", ErrNoPending, entityID)
	}
	return r, nil
}

// Apply commits a transition under the write lock.
func (s *MemoryStorage) Apply(ctx context.Context, tr Transition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		id := tr.Entity.ID
		current, ok := s.entities[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrEntityNotFound, id)
		}
		if current.Version != tr.ExpectedVersion {
			return fmt.Errorf("%w: entity=%d version %d, expected %d", ErrConflict, id, current.Version, tr.ExpectedVersion)
		}

		records := s.records[id]
		idx := -1
		if tr.Processed != nil {
			for i, r := range records {
				if r.ID == tr.Processed.ID {
					idx = i
					break
				}
			}
			if idx < 0 || !records[idx].IsPending() {
				return fmt.Errorf("%w: record=%d is no longer pending", ErrConflict, tr.Processed.ID)
			}
		}

		updated := make([]types.ApprovalRecord, len(records), len(records)+1)
		copy(updated, records)
		if idx >= 0 {
			updated[idx] = tr.Processed.Clone()
		}
		if tr.Next != nil {
			updated = append(updated, tr.Next.Clone())
		}

		entity := tr.Entity.Clone()
		entity.Version = tr.ExpectedVersion + 1
		s.entities[id] = entity
		s.records[id] = updated
		return nil
	})
}
