package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/stepflow/types"
)

// MemoryStorage is an in-memory Store. It keeps deep copies so callers can
// keep mutating the workflows they saved.
type MemoryStorage struct {
	workflows map[string]types.Workflow
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]types.Workflow),
	}
}

// Save stores a copy of wf.
func (s *MemoryStorage) Save(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		if wf.ID == "" {
			return fmt.Errorf("save workflow: empty id")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf.Clone()
		return nil
	})
}

// Load returns a copy of the stored workflow.
func (s *MemoryStorage) Load(ctx context.Context, id string) (types.Workflow, error) {
	return withContext(ctx, func() (types.Workflow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		wf, ok := s.workflows[id]
		if !ok {
			return types.Workflow{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		}
		return wf.Clone(), nil
	})
}

// List returns workflows owned by ownerID (all when empty), oldest first.
func (s *MemoryStorage) List(ctx context.Context, ownerID string) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Workflow, 0, len(s.workflows))
		for _, wf := range s.workflows {
			if ownerID == "" || wf.OwnerID == ownerID {
				out = append(out, wf.Clone())
			}
		}
		sortByCreation(out)
		return out, nil
	})
}

// ClearFinished removes completed, failed and cancelled workflows.
func (s *MemoryStorage) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, wf := range s.workflows {
			if isFinished(wf.Status) {
				delete(s.workflows, id)
			}
		}
		return nil
	})
}

func sortByCreation(wfs []types.Workflow) {
	sort.SliceStable(wfs, func(i, j int) bool {
		if wfs[i].CreatedAt.Equal(wfs[j].CreatedAt) {
			return wfs[i].ID < wfs[j].ID
		}
		return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
	})
}
