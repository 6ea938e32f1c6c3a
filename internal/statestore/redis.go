package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	backend "github.com/redis/go-redis/v9"
)

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis, for deployments where component
// state must survive server restarts or be shared across server instances.
type RedisStore struct {
	client *backend.Client
	prefix string
	quota  int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix for state entries.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithQuota sets the combined-size ceiling in bytes.
func WithQuota(quota int) RedisOption {
	return func(s *RedisStore) {
		s.quota = quota
	}
}

// NewRedisStore creates a Redis-backed store from an existing client.
func NewRedisStore(client *backend.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "crucible:state:",
		quota:  DefaultQuotaBytes,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) entryKey(namespace, key string) string {
	return s.prefix + namespace + ":" + key
}

func (s *RedisStore) indexKey(namespace string) string {
	return s.prefix + "index:" + namespace
}

func (s *RedisStore) usageKey() string {
	return s.prefix + "usage"
}

func (s *RedisStore) usageField(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get returns the value under namespace/key.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) (Value, error) {
	raw, err := s.client.Get(ctx, s.entryKey(namespace, key)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state entry: %w", err)
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode state entry: %w", err)
	}
	return v, nil
}

// mergeRetries bounds the optimistic-lock retries when concurrent writers
// touch the same entry or the usage hash.
const mergeRetries = 16

// Merge deep-merges patch into the stored value and persists the result.
// The read, the quota check, and the write run under WATCH so concurrent
// writers cannot jointly slip past the size ceiling.
func (s *RedisStore) Merge(ctx context.Context, namespace, key string, patch Value) (Value, error) {
	entryKey := s.entryKey(namespace, key)

	var merged Value
	txf := func(tx *backend.Tx) error {
		base := Value{}
		oldLen := 0
		raw, err := tx.Get(ctx, entryKey).Bytes()
		switch {
		case errors.Is(err, backend.Nil):
			// First write for this key.
		case err != nil:
			return fmt.Errorf("get state entry: %w", err)
		default:
			oldLen = len(raw)
			if err := json.Unmarshal(raw, &base); err != nil {
				return fmt.Errorf("decode state entry: %w", err)
			}
		}

		merged = Merge(base, patch)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode state entry: %w", err)
		}

		used, err := usedBytes(ctx, tx, s.usageKey())
		if err != nil {
			return err
		}
		if used-oldLen+len(encoded) > s.quota {
			return fmt.Errorf("%w: %d bytes over", ErrQuotaExceeded, used-oldLen+len(encoded)-s.quota)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, entryKey, encoded, 0)
			pipe.SAdd(ctx, s.indexKey(namespace), key)
			pipe.HSet(ctx, s.usageKey(), s.usageField(namespace, key), strconv.Itoa(len(encoded)))
			return nil
		})
		if err != nil {
			return fmt.Errorf("save state entry: %w", err)
		}
		return nil
	}

	for i := 0; i < mergeRetries; i++ {
		err := s.client.Watch(ctx, txf, entryKey, s.usageKey())
		if err == nil {
			return merged, nil
		}
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("save state entry: %w", backend.TxFailedErr)
}

// Delete removes the value under namespace/key.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.entryKey(namespace, key))
	pipe.SRem(ctx, s.indexKey(namespace), key)
	pipe.HDel(ctx, s.usageKey(), s.usageField(namespace, key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete state entry: %w", err)
	}
	return nil
}

// Keys lists the keys present in a namespace, sorted.
func (s *RedisStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("list state keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// usedBytes sums the recorded entry sizes across all namespaces.
func usedBytes(ctx context.Context, c backend.Cmdable, usageKey string) (int, error) {
	sizes, err := c.HVals(ctx, usageKey).Result()
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	total := 0
	for _, v := range sizes {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
