package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of redis.Cmdable the store needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps tokens in Redis and lets Redis expire them.
type RedisStore struct {
	client RedisClient
	prefix string
}

// NewRedisStore creates a Redis-backed token store. Keys are namespaced with prefix.
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "area:token:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	tok := Token{Key: key, Value: value}
	if ttl > 0 {
		tok.ExpiresAt = time.Now().Add(ttl)
	} else {
		ttl = 0
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("tokenstore: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Token, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokenstore: get %s: %w", key, err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("tokenstore: decode %s: %w", key, err)
	}
	if tok.IsExpired() {
		return nil, ErrTokenExpired
	}
	return &tok, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("tokenstore: delete %s: %w", key, err)
	}
	return nil
}

// Cleanup is a no-op: Redis expires keys itself.
func (r *RedisStore) Cleanup(context.Context) (int, error) {
	return 0, nil
}
