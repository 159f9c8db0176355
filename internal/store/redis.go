package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "mnemo:mem:"
	redisManifestKey  = "mnemo:manifest"
	redisGraphKey     = "mnemo:graph"
)

// RedisBackend persists records as JSON strings keyed by memory id,
// with a SET as the manifest and a single key for the graph document.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend connects to Redis at the given URL and verifies the
// connection.
func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

func (b *RedisBackend) PutRecord(ctx context.Context, id string, data []byte) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisRecordPrefix+id, data, 0)
		pipe.SAdd(ctx, redisManifestKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put record %s: %w", id, err)
	}
	return nil
}

func (b *RedisBackend) GetRecord(ctx context.Context, id string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, redisRecordPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return data, nil
}

func (b *RedisBackend) DeleteRecord(ctx context.Context, id string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisRecordPrefix+id)
		pipe.SRem(ctx, redisManifestKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (b *RedisBackend) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, redisManifestKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	return ids, nil
}

func (b *RedisBackend) SaveGraphDoc(ctx context.Context, data []byte) error {
	if err := b.rdb.Set(ctx, redisGraphKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save graph doc: %w", err)
	}
	return nil
}

func (b *RedisBackend) LoadGraphDoc(ctx context.Context) ([]byte, error) {
	data, err := b.rdb.Get(ctx, redisGraphKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load graph doc: %w", err)
	}
	return data, nil
}

func (b *RedisBackend) Close(ctx context.Context) error {
	return b.rdb.Close()
}
