package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSessionKeyPrefix namespaces refresh sessions in shared stores.
const DefaultSessionKeyPrefix = "bbunRefreshToken"

const redisPingTimeout = 5 * time.Second

// RedisSessionStore keeps refresh sessions in Redis with native key expiry.
type RedisSessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisSessionStore wraps an existing client.
func NewRedisSessionStore(client redis.UniversalClient, keyPrefix string) *RedisSessionStore {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultSessionKeyPrefix
	}
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix}
}

// OpenRedisSessionStore parses a redis:// URL, connects and pings the server.
func OpenRedisSessionStore(ctx context.Context, redisURL string, keyPrefix string) (*RedisSessionStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("session_store.open.redis: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session_store.open.redis: %w", err)
	}
	return NewRedisSessionStore(client, keyPrefix), nil
}

// Set stores the session with SET EX.
func (store *RedisSessionStore) Set(ctx context.Context, key string, userID string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session_store.set.redis: %w", ErrEmptySessionKey)
	}
	if err := store.client.Set(ctx, store.redisKey(key), userID, ttl).Err(); err != nil {
		return fmt.Errorf("session_store.set.redis: %w", err)
	}
	return nil
}

// GetOrFail returns the user id of a live session.
func (store *RedisSessionStore) GetOrFail(ctx context.Context, key string) (string, error) {
	userID, err := store.client.Get(ctx, store.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("session_store.get.redis: %w", ErrSessionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("session_store.get.redis: %w", err)
	}
	return userID, nil
}

// Consume uses GETDEL so concurrent refreshes of one token cannot both succeed.
func (store *RedisSessionStore) Consume(ctx context.Context, key string) (string, error) {
	userID, err := store.client.GetDel(ctx, store.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("session_store.consume.redis: %w", ErrSessionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("session_store.consume.redis: %w", err)
	}
	return userID, nil
}

// Delete removes the session; deleting an absent key is not an error.
func (store *RedisSessionStore) Delete(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, store.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("session_store.delete.redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (store *RedisSessionStore) Close() error {
	return store.client.Close()
}

func (store *RedisSessionStore) redisKey(key string) string {
	return store.keyPrefix + ":" + HashSessionKey(key)
}
