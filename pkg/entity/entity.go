// Package entity stores the local records created by approved actions: tasks,
// time entries, deadlines, alerts and mirrored calendar events.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entity id is unknown.
var ErrNotFound = errors.New("entity not found")

// Kind names an entity collection.
type Kind string

const (
	KindTask          Kind = "task"
	KindTimeEntry     Kind = "time_entry"
	KindDeadline      Kind = "deadline"
	KindAlert         Kind = "alert"
	KindCalendarEvent Kind = "calendar_event"
)

// Entity is one stored record.
type Entity struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists entities per kind.
type Store interface {
	Create(ctx context.Context, kind Kind, fields map[string]any) (string, error)
	Get(ctx context.Context, kind Kind, id string) (*Entity, error)
	Delete(ctx context.Context, kind Kind, id string) error
	List(ctx context.Context, kind Kind) ([]*Entity, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[Kind]map[string]*Entity
	newID    func() string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[Kind]map[string]*Entity),
		newID:    uuid.NewString,
	}
}

func (s *MemoryStore) Create(_ context.Context, kind Kind, fields map[string]any) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("entity kind is required")
	}
	e := &Entity{
		ID:        s.newID(),
		Kind:      kind,
		Fields:    copyFields(fields),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entities[kind] == nil {
		s.entities[kind] = make(map[string]*Entity)
	}
	s.entities[kind][e.ID] = e
	return e.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[kind][id]; !ok {
		return ErrNotFound
	}
	delete(s.entities[kind], id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([]*Entity, error) {
	s.mu.RLock()
	out := make([]*Entity, 0, len(s.entities[kind]))
	for _, e := range s.entities[kind] {
		out = append(out, e.clone())
	}
	s.mu.RUnlock()
	sortEntities(out)
	return out, nil
}

func (e *Entity) clone() *Entity {
	c := *e
	c.Fields = copyFields(e.Fields)
	return &c
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func sortEntities(entities []*Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].CreatedAt.Equal(entities[j].CreatedAt) {
			return entities[i].ID < entities[j].ID
		}
		return entities[i].CreatedAt.Before(entities[j].CreatedAt)
	})
}
