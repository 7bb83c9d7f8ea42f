// Package storage opens the persistence backends batches, reservations and
// entities live in.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/lexflow/lexflow/config"
	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/entity"
	"github.com/lexflow/lexflow/pkg/ledger"
	"github.com/lexflow/lexflow/pkg/logger"
)

// UnavailableError indicates that a storage backend could not be reached.
type UnavailableError struct {
	Backend string
	Cause   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage %s unavailable: %v", e.Backend, e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// Checker reports whether a backend is reachable.
type Checker func(ctx context.Context) error

// Backends bundles the stores of one process.
type Backends struct {
	Batches  approval.BatchStore
	Ledger   ledger.Store
	Entities entity.Store
	// Checks are readiness probes keyed by backend name.
	Checks map[string]Checker

	closers []func() error
}

// Close releases every backend in reverse open order.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger logger.Logger
	dynamo ledger.DynamoAPI
	redis  redis.Cmdable
}

// WithLogger sets the logger used for backend diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithDynamoClient supplies the DynamoDB client for the dynamodb backend.
func WithDynamoClient(db ledger.DynamoAPI) Option {
	return func(o *options) { o.dynamo = db }
}

// WithRedisClient supplies an existing client for the redis backend instead
// of dialing one from config.
func WithRedisClient(client redis.Cmdable) Option {
	return func(o *options) { o.redis = client }
}

// Open builds the backends selected by cfg.Type. The redis and dynamodb types
// only hold the reservation ledger; batches and entities then live in badger
// when a path is configured and in memory otherwise.
func Open(ctx context.Context, cfg config.StorageConfig, opts ...Option) (*Backends, error) {
	o := options{logger: logger.Global()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Backends{Checks: map[string]Checker{}}
	var err error
	switch cfg.Type {
	case "", "memory":
		b.useMemory()
		b.Ledger = ledger.NewMemoryStore()
	case "badger":
		var db *badger.DB
		if db, err = b.openLocal(cfg.Badger, o.logger); err == nil {
			b.Ledger, err = ledger.NewBadgerStore(db)
		}
	case "redis":
		err = b.openRedisLedger(ctx, cfg, o)
	case "dynamodb":
		err = b.openDynamoLedger(cfg, o)
	default:
		err = fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	o.logger.Info("storage backends ready", "type", cfg.Type)
	return b, nil
}

func (b *Backends) useMemory() {
	b.Batches = approval.NewMemoryBatchStore()
	b.Entities = entity.NewMemoryStore()
}

// openLocal opens badger for batches and entities and returns the handle so
// the ledger can share it.
func (b *Backends) openLocal(cfg config.BadgerConfig, log logger.Logger) (*badger.DB, error) {
	db, err := OpenBadger(cfg, log)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, db.Close)
	b.Checks["badger"] = func(context.Context) error {
		if db.IsClosed() {
			return errors.New("badger database is closed")
		}
		return nil
	}

	if b.Batches, err = approval.NewBadgerBatchStore(db); err != nil {
		return nil, err
	}
	if b.Entities, err = entity.NewBadgerStore(db); err != nil {
		return nil, err
	}
	return db, nil
}

func (b *Backends) openSideStores(cfg config.BadgerConfig, log logger.Logger) error {
	if cfg.Path == "" {
		b.useMemory()
		return nil
	}
	_, err := b.openLocal(cfg, log)
	return err
}

func (b *Backends) openRedisLedger(ctx context.Context, cfg config.StorageConfig, o options) error {
	client := o.redis
	if client == nil {
		c := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		b.closers = append(b.closers, c.Close)
		client = c
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return &UnavailableError{Backend: "redis", Cause: err}
	}

	rcfg := ledger.DefaultRedisConfig()
	if cfg.Redis.KeyPrefix != "" {
		rcfg.KeyPrefix = cfg.Redis.KeyPrefix
	}
	rcfg.RecordTTL = cfg.Redis.RecordTTL
	store, err := ledger.NewRedisStore(client, rcfg)
	if err != nil {
		return err
	}
	b.Ledger = store
	b.Checks["redis"] = store.Ping
	return b.openSideStores(cfg.Badger, o.logger)
}

func (b *Backends) openDynamoLedger(cfg config.StorageConfig, o options) error {
	if o.dynamo == nil {
		return errors.New("dynamodb storage requires a DynamoDB client")
	}
	store, err := ledger.NewDynamoStore(o.dynamo, ledger.DynamoConfig{
		Table:      cfg.DynamoDB.LedgerTable,
		BatchIndex: cfg.DynamoDB.BatchIndex,
	})
	if err != nil {
		return err
	}
	b.Ledger = store
	return b.openSideStores(cfg.Badger, o.logger)
}
