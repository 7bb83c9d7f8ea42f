package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrBatchNotFound is returned when a batch id is unknown.
	ErrBatchNotFound = errors.New("approval batch not found")
	// ErrBatchExists is returned by Create when the id is taken.
	ErrBatchExists = errors.New("approval batch already exists")
)

// ListFilter controls batch list query behavior.
type ListFilter struct {
	Status BatchStatus
	Limit  int
	Offset int
}

// BatchStore provides persistence for approval batches.
type BatchStore interface {
	// Create inserts a new batch, failing with ErrBatchExists when the id is
	// taken. The check and the write are one atomic step.
	Create(ctx context.Context, batch *Batch) error
	Save(ctx context.Context, batch *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	// Update loads a batch, applies fn and persists the result atomically.
	// Nothing is written when fn returns an error.
	Update(ctx context.Context, id string, fn func(*Batch) error) (*Batch, error)
	List(ctx context.Context, filter ListFilter) ([]*Batch, int, error)
	Delete(ctx context.Context, id string) error
}

// MemoryBatchStore is an in-memory BatchStore implementation.
type MemoryBatchStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewMemoryBatchStore creates an in-memory batch store.
func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{
		batches: make(map[string]*Batch),
	}
}

// Create inserts a batch unless its id is already stored.
func (s *MemoryBatchStore) Create(_ context.Context, batch *Batch) error {
	if batch == nil {
		return fmt.Errorf("batch cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return ErrBatchExists
	}
	s.batches[batch.ID] = batch.Clone()
	return nil
}

// Save saves a batch.
func (s *MemoryBatchStore) Save(_ context.Context, batch *Batch) error {
	if batch == nil {
		return fmt.Errorf("batch cannot be nil")
	}
	s.mu.Lock()
	s.batches[batch.ID] = batch.Clone()
	s.mu.Unlock()
	return nil
}

// Get gets one batch by id.
func (s *MemoryBatchStore) Get(_ context.Context, id string) (*Batch, error) {
	s.mu.RLock()
	batch, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch.Clone(), nil
}

// Update applies fn to a copy of the stored batch under the store lock.
func (s *MemoryBatchStore) Update(_ context.Context, id string, fn func(*Batch) error) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.batches[id] = next.Clone()
	return next, nil
}

// List lists batches with optional status filter and pagination, newest first.
func (s *MemoryBatchStore) List(_ context.Context, filter ListFilter) ([]*Batch, int, error) {
	s.mu.RLock()
	all := make([]*Batch, 0, len(s.batches))
	for _, batch := range s.batches {
		if filter.Status != "" && batch.Status != filter.Status {
			continue
		}
		all = append(all, batch.Clone())
	}
	s.mu.RUnlock()

	sortBatches(all)
	page, total := paginate(all, filter)
	return page, total, nil
}

// Delete removes one batch.
func (s *MemoryBatchStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return ErrBatchNotFound
	}
	delete(s.batches, id)
	return nil
}

func sortBatches(batches []*Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
}

func paginate(all []*Batch, filter ListFilter) ([]*Batch, int) {
	total := len(all)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := filter.Limit
	if limit < 0 {
		limit = 0
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total
}
