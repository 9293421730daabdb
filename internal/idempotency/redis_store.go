package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records in Redis so several gate replicas share one
// dedup namespace. Expiry is delegated to Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a store on the given client. ttl <= 0 keeps
// records forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "toolgate:idem:"}
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + key.Hash()
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("RedisStore.Get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("RedisStore.Get: decode: %w", err)
	}
	rec.Key = key
	return &rec, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("RedisStore.PutIfAbsent: encode: %w", err)
	}

	stored, err := s.client.SetNX(ctx, s.redisKey(rec.Key), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("RedisStore.PutIfAbsent: %w", err)
	}
	return stored, nil
}
