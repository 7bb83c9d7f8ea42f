package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	batchKeyPrefix         = "batch:"
	batchIndexStatusPrefix = "batch:index:status:"
)

// BadgerBatchStore stores approval batches in Badger.
type BadgerBatchStore struct {
	db *badger.DB
}

// NewBadgerBatchStore creates a Badger-backed batch store.
func NewBadgerBatchStore(db *badger.DB) (*BadgerBatchStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerBatchStore{db: db}, nil
}

// Create inserts a batch unless its key exists. Two transactions racing on
// the same id conflict at commit; the loser retries and sees the winner.
func (s *BadgerBatchStore) Create(ctx context.Context, batch *Batch) error {
	if batch == nil {
		return fmt.Errorf("batch cannot be nil")
	}
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := s.getInTxn(txn, batch.ID)
			if err == nil {
				return ErrBatchExists
			}
			if !errors.Is(err, ErrBatchNotFound) {
				return err
			}
			return s.putInTxn(txn, nil, batch)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

// Save persists one batch at key "batch:{id}" and maintains the status index.
func (s *BadgerBatchStore) Save(ctx context.Context, batch *Batch) error {
	if batch == nil {
		return fmt.Errorf("batch cannot be nil")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		previous, err := s.getInTxn(txn, batch.ID)
		if err != nil && !errors.Is(err, ErrBatchNotFound) {
			return err
		}
		return s.putInTxn(txn, previous, batch)
	})
}

// Get loads one batch by id.
func (s *BadgerBatchStore) Get(ctx context.Context, id string) (*Batch, error) {
	var batch *Batch
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		loaded, err := s.getInTxn(txn, id)
		if err != nil {
			return err
		}
		batch = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Update runs fn inside one read-write transaction. Conflicting writers are
// retried.
func (s *BadgerBatchStore) Update(ctx context.Context, id string, fn func(*Batch) error) (*Batch, error) {
	for {
		var updated *Batch
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			current, err := s.getInTxn(txn, id)
			if err != nil {
				return err
			}
			next := current.Clone()
			if err := fn(next); err != nil {
				return err
			}
			if err := s.putInTxn(txn, current, next); err != nil {
				return err
			}
			updated = next
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// List queries batches by status with pagination, newest first.
func (s *BadgerBatchStore) List(ctx context.Context, filter ListFilter) ([]*Batch, int, error) {
	batches := make([]*Batch, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := batchStatusIndexPrefix(filter.Status)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				id := strings.TrimPrefix(string(it.Item().Key()), prefix)
				batch, err := s.getInTxn(txn, id)
				if err != nil {
					continue
				}
				batches = append(batches, batch)
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(batchKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(string(it.Item().Key()), batchIndexStatusPrefix) {
				continue
			}
			var batch Batch
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &batch) }); err != nil {
				continue
			}
			batches = append(batches, &batch)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sortBatches(batches)
	page, total := paginate(batches, filter)
	return page, total, nil
}

// Delete removes one batch and its status index entry.
func (s *BadgerBatchStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.getInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(batchDataKey(id))); err != nil {
			return err
		}
		return txn.Delete([]byte(batchStatusIndexKey(batch.Status, id)))
	})
}

func (s *BadgerBatchStore) getInTxn(txn *badger.Txn, id string) (*Batch, error) {
	item, err := txn.Get([]byte(batchDataKey(id)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	var batch Batch
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &batch) }); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BadgerBatchStore) putInTxn(txn *badger.Txn, previous, batch *Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(batchDataKey(batch.ID)), data); err != nil {
		return err
	}
	if err := txn.Set([]byte(batchStatusIndexKey(batch.Status, batch.ID)), []byte{}); err != nil {
		return err
	}
	if previous != nil && previous.Status != batch.Status {
		return txn.Delete([]byte(batchStatusIndexKey(previous.Status, batch.ID)))
	}
	return nil
}

func batchDataKey(id string) string {
	return batchKeyPrefix + id
}

func batchStatusIndexPrefix(status BatchStatus) string {
	return batchIndexStatusPrefix + string(status) + ":"
}

func batchStatusIndexKey(status BatchStatus, id string) string {
	return batchStatusIndexPrefix(status) + id
}
