package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store using SETNX for atomic first-write-wins.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and pings it.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(key string) string { return "ricecast:run:" + key }

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Put(ctx context.Context, rec *Record, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}

	// Returns false when another writer already holds the key.
	set, err := r.client.SetNX(ctx, redisKey(rec.Key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return set, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
