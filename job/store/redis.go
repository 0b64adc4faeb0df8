package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in Redis, one string value per job instance.
//
// Saves are optimistic: the key is WATCHed, the stored version compared, and
// the new value written in a MULTI/EXEC transaction. A transaction aborted by
// a concurrent writer is reported as ErrConflict.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix prepended to every checkpoint key.
// Default: "jobcontinue:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL expires abandoned checkpoints after ttl. Each save refreshes the
// expiry. Zero (the default) keeps checkpoints until they are deleted.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore wraps an existing client. The store does not own the client;
// callers close it themselves.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := store.NewRedisStore(client, store.WithKeyPrefix("import:"))
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "jobcontinue:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(jobKind, instanceKey string) string {
	return s.prefix + jobKind + ":" + instanceKey
}

// Load retrieves the checkpoint for a job instance.
func (s *RedisStore) Load(ctx context.Context, jobKind, instanceKey string) (Record, error) {
	data, err := s.client.Get(ctx, s.key(jobKind, instanceKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return rec, nil
}

// Save writes rec if the stored version still matches rec.Version.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	key := s.key(rec.JobKind, rec.InstanceKey)

	next := rec.Clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if rec.Version != 0 {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(current, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal stored version: %w", err)
			}
			if stored.Version != rec.Version {
				return ErrConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes the checkpoint for a job instance.
func (s *RedisStore) Delete(ctx context.Context, jobKind, instanceKey string) error {
	if err := s.client.Del(ctx, s.key(jobKind, instanceKey)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
