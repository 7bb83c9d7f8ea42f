package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const entityKeyPrefix = "entity:"

// BadgerStore stores entities in Badger at "entity:{kind}:{id}".
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed entity store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Create(ctx context.Context, kind Kind, fields map[string]any) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("entity kind is required")
	}
	e := &Entity{
		ID:        uuid.NewString(),
		Kind:      kind,
		Fields:    copyFields(fields),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", kind, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return txn.Set([]byte(entityKey(kind, e.ID)), data)
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *BadgerStore) Get(ctx context.Context, kind Kind, id string) (*Entity, error) {
	var e Entity
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := txn.Get([]byte(entityKey(kind, id)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &e) })
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BadgerStore) Delete(ctx context.Context, kind Kind, id string) error {
	key := []byte(entityKey(kind, id))
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) List(ctx context.Context, kind Kind) ([]*Entity, error) {
	out := make([]*Entity, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entityKindPrefix(kind))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entity
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntities(out)
	return out, nil
}

func entityKindPrefix(kind Kind) string {
	return entityKeyPrefix + string(kind) + ":"
}

func entityKey(kind Kind, id string) string {
	return entityKindPrefix(kind) + id
}
