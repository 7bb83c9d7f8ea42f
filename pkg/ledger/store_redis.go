package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSetScript replaces KEYS[1] with ARGV[2] only while it still holds
// ARGV[1]. Returns -1 when the key is gone, 0 when the value moved, 1 on write.
const compareAndSetScript = `
local current = redis.call('GET', KEYS[1])
if not current then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`

// insertScript writes record KEYS[1] and indexes ARGV[3] in batch set KEYS[2]
// in one step. ARGV[2] is the TTL in milliseconds, zero for none. Returns 0
// when the record exists, 1 on insert.
const insertScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local kind = redis.call('TYPE', KEYS[2]).ok
if kind ~= 'none' and kind ~= 'set' then
  return redis.error_reply('batch index ' .. KEYS[2] .. ' is not a set')
end
redis.call('SADD', KEYS[2], ARGV[3])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`

// RedisConfig holds configuration for the Redis-backed ledger store.
type RedisConfig struct {
	// KeyPrefix namespaces every ledger key.
	KeyPrefix string
	// RecordTTL expires records after the given duration. Zero keeps them.
	RecordTTL time.Duration
	// MaxRetries bounds compare-and-set retries under contention.
	MaxRetries int
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		KeyPrefix:  "lexflow:ledger:",
		MaxRetries: 8,
	}
}

// RedisStore keeps reservation records in Redis. Inserts and updates run as
// scripts so the record and its batch index never diverge.
type RedisStore struct {
	client redis.Cmdable
	config *RedisConfig
}

// NewRedisStore creates a Redis-backed ledger store.
func NewRedisStore(client redis.Cmdable, config *RedisConfig) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 8
	}
	return &RedisStore{client: client, config: config}, nil
}

func (s *RedisStore) InsertIfAbsent(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	keys := []string{s.recordKey(rec.IdempotencyKey), s.batchKey(rec.BatchID)}
	inserted, err := s.client.Eval(ctx, insertScript, keys,
		string(data), s.config.RecordTTL.Milliseconds(), rec.IdempotencyKey).Int64()
	if err != nil {
		return fmt.Errorf("redis insert: %w", err)
	}
	if inserted == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	rec, _, err := s.load(ctx, key)
	return rec, err
}

func (s *RedisStore) Update(ctx context.Context, key string, patch Patch) (*Record, error) {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		rec, raw, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := patch.Check(rec); err != nil {
			return nil, err
		}
		patch.Apply(rec)
		next, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}

		result, err := s.client.Eval(ctx, compareAndSetScript, []string{s.recordKey(key)}, raw, string(next)).Int64()
		if err != nil {
			return nil, fmt.Errorf("redis compare-and-set: %w", err)
		}
		switch result {
		case 1:
			return rec, nil
		case -1:
			return nil, ErrNotFound
		}
	}
	return nil, fmt.Errorf("redis compare-and-set retries exhausted for %s", key)
}

func (s *RedisStore) ListByBatch(ctx context.Context, batchID string) ([]*Record, error) {
	keys, err := s.client.SMembers(ctx, s.batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, _, err := s.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) load(ctx context.Context, key string) (*Record, string, error) {
	raw, err := s.client.Get(ctx, s.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, "", fmt.Errorf("decode reservation %s: %w", key, err)
	}
	return &rec, raw, nil
}

func (s *RedisStore) recordKey(key string) string {
	return s.config.KeyPrefix + "rec:" + key
}

func (s *RedisStore) batchKey(batchID string) string {
	return s.config.KeyPrefix + "batch:" + batchID
}
