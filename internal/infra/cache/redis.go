package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "gw:"

// Redis backs the gateway cache with a shared store so multiple gateway
// replicas hit origin once per object. Entries are gob-encoded; redis owns
// expiry via the per-key TTL.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(addr string, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &Redis{client: client, logger: logger}
}

// Ping verifies the connection at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		r.logger.Warn("redis cache entry corrupt", zap.String("key", key), zap.Error(err))
		r.client.Del(ctx, redisKeyPrefix+key)
		return nil, false
	}
	return &entry, true
}

func (r *Redis) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if entry == nil || ttl <= 0 {
		return
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		r.logger.Error("redis cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, buf.Bytes(), ttl).Err(); err != nil {
		r.logger.Warn("redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
