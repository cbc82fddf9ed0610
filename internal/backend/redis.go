package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"shuttle/pkg/platform/sentinel"
)

// Redis stores ciphertext in a redis instance, one key per object. Suitable
// for hot domains where the provider is a cache-grade store.
type Redis struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedis(client redis.Cmdable, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "shuttle:obj:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) key(objectID string) string { return r.keyPrefix + objectID }

func (r *Redis) Put(ctx context.Context, objectID string, ciphertext []byte) (string, error) {
	if err := r.client.Set(ctx, r.key(objectID), ciphertext, 0).Err(); err != nil {
		return "", fmt.Errorf("redis set: %w", err)
	}
	return ChecksumHex(ciphertext), nil
}

func (r *Redis) Get(ctx context.Context, objectID string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(objectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *Redis) Delete(ctx context.Context, objectID string) error {
	n, err := r.client.Del(ctx, r.key(objectID)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, objectID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(objectID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}
