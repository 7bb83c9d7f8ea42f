package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	ledgerRecordPrefix = "ledger:rec:"
	ledgerBatchPrefix  = "ledger:batch:"
)

// BadgerStore keeps reservation records in Badger. Badger's serializable
// transactions make the read-then-insert inside one txn atomic: a concurrent
// writer of the same key fails with ErrConflict and is retried.
type BadgerStore struct {
	db         *badger.DB
	maxRetries int
}

// NewBadgerStore creates a Badger-backed ledger store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db, maxRetries: 16}, nil
}

func (s *BadgerStore) InsertIfAbsent(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.retry(ctx, func(txn *badger.Txn) error {
		key := []byte(recordKey(rec.IdempotencyKey))
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateKey
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(batchIndexKey(rec.BatchID, rec.IdempotencyKey)), []byte{})
	})
}

func (s *BadgerStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		loaded, err := getRecordInTxn(txn, key)
		if err != nil {
			return err
		}
		rec = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) Update(ctx context.Context, key string, patch Patch) (*Record, error) {
	var updated *Record
	err := s.retry(ctx, func(txn *badger.Txn) error {
		rec, err := getRecordInTxn(txn, key)
		if err != nil {
			return err
		}
		if err := patch.Check(rec); err != nil {
			return err
		}
		patch.Apply(rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(recordKey(key)), data); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BadgerStore) ListByBatch(ctx context.Context, batchID string) ([]*Record, error) {
	records := make([]*Record, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := batchIndexPrefix(batchID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := strings.TrimPrefix(string(it.Item().Key()), prefix)
			rec, err := getRecordInTxn(txn, key)
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

func (s *BadgerStore) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("ledger transaction retries exhausted: %w", err)
}

func getRecordInTxn(txn *badger.Txn, key string) (*Record, error) {
	item, err := txn.Get([]byte(recordKey(key)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec Record
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, err
	}
	return &rec, nil
}

func recordKey(key string) string {
	return ledgerRecordPrefix + key
}

func batchIndexPrefix(batchID string) string {
	return ledgerBatchPrefix + batchID + ":"
}

func batchIndexKey(batchID, key string) string {
	return batchIndexPrefix(batchID) + key
}
