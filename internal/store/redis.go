package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKV backs the store with Redis so history survives client restarts
// and can be shared between devices.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(ctx context.Context, addr, password string, db int) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisKV{client: client}, nil
}

func (kv *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := kv.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (kv *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return kv.client.Set(ctx, key, value, 0).Err()
}

func (kv *RedisKV) Delete(ctx context.Context, key string) error {
	return kv.client.Del(ctx, key).Err()
}

func (kv *RedisKV) Close() error {
	return kv.client.Close()
}
