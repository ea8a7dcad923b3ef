package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps memories in Redis, namespaced by an instance name.
//
// Layout:
//
//	echo:{ns}:memory:{id}          JSON-encoded Memory
//	echo:{ns}:user:{user}:memories ZSET of ids scored by append sequence
//	echo:{ns}:memory_seq           append sequence counter
type RedisStore struct {
	rdb *redis.Client
	ns  string
	now func() time.Time
}

// NewRedisStore creates a store using redisOpts. namespace must not be empty.
func NewRedisStore(redisOpts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &RedisStore{
		rdb: redis.NewClient(redisOpts),
		ns:  namespace,
		now: time.Now,
	}, nil
}

// NewRedisStoreFromURL parses a redis:// URL.
func NewRedisStoreFromURL(url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStore(opts, namespace)
}

func (s *RedisStore) memoryKey(id string) string {
	return fmt.Sprintf("echo:%s:memory:%s", s.ns, id)
}

func (s *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("echo:%s:user:%s:memories", s.ns, userID)
}

func (s *RedisStore) seqKey() string {
	return fmt.Sprintf("echo:%s:memory_seq", s.ns)
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Append(ctx context.Context, m Memory) (*Memory, error) {
	m = prepare(m, s.now())

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize memory: %w", err)
	}

	key := s.memoryKey(m.ID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check memory existence: %w", err)
		}
		if n > 0 {
			return ErrDuplicateID
		}

		// Gaps left by aborted transactions are harmless; only order matters.
		seq, err := tx.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate memory sequence: %w", err)
		}

		// The record and its index entry commit together or not at all.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.userKey(m.UserID), redis.Z{Score: float64(seq), Member: m.ID})
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, ErrDuplicateID), errors.Is(err, redis.TxFailedErr):
		// A failed WATCH means another writer created the same id first.
		return nil, ErrDuplicateID
	case err != nil:
		return nil, fmt.Errorf("failed to write memory to Redis: %w", err)
	}
	return &m, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Memory, error) {
	data, err := s.rdb.Get(ctx, s.memoryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read memory from Redis: %w", err)
	}

	var m Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize memory: %w", err)
	}
	return &m, nil
}

func (s *RedisStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.memoryKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check memory existence: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RecentByUser(ctx context.Context, userID string, limit int) ([]Memory, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.rdb.ZRevRange(ctx, s.userKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user memories: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.memoryKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read memories: %w", err)
	}

	out := make([]Memory, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired or deleted between calls
		}
		var m Memory
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to deserialize memory: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

var _ Store = (*RedisStore)(nil)
