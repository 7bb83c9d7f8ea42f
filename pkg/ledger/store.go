package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateKey reports a uniqueness violation on the idempotency key.
	// It is the only insert failure that resolves into a skip.
	ErrDuplicateKey = errors.New("reservation already exists")
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("reservation not found")
	// ErrPreconditionFailed is returned when a conditional update lost.
	ErrPreconditionFailed = errors.New("reservation precondition failed")
)

// Store is the persistence contract of the ledger. InsertIfAbsent must be
// enforced by the backing store itself, never as read-then-write.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key string) (*Record, error)
	Update(ctx context.Context, key string, patch Patch) (*Record, error)
	ListByBatch(ctx context.Context, batchID string) ([]*Record, error)
}

// MemoryStore is an in-process Store. It is only safe across goroutines of one
// process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.IdempotencyKey]; exists {
		return ErrDuplicateKey
	}
	s.records[rec.IdempotencyKey] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, key string, patch Patch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if err := patch.Check(rec); err != nil {
		return nil, err
	}
	next := rec.Clone()
	patch.Apply(next)
	s.records[key] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListByBatch(_ context.Context, batchID string) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.BatchID == batchID {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

func validateRecord(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("reservation record cannot be nil")
	}
	if rec.IdempotencyKey == "" {
		return fmt.Errorf("reservation record requires an idempotency key")
	}
	return nil
}

func sortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].IdempotencyKey < records[j].IdempotencyKey
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
