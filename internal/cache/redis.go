package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 500 * time.Millisecond

// Redis is a second-tier cache. Every operation degrades gracefully: a
// Redis outage turns into misses and dropped writes, never request failures.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedis parses the URL, verifies the connection with a ping, and returns
// the tier. The tier owns the client and closes it on Close.
func NewRedis(ctx context.Context, url string, log *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return &Redis{client: cli, log: log}, nil
}

// NewRedisFromClient wraps an existing client; the caller owns its lifecycle.
func NewRedisFromClient(cli *redis.Client, log *slog.Logger) *Redis {
	return &Redis{client: cli, log: log}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.LogAttrs(ctx, slog.LevelWarn, "cache redis get failed",
				slog.String("error", err.Error()))
		}
		return nil, false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "cache redis set failed",
			slog.String("error", err.Error()))
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "cache redis delete failed",
			slog.String("error", err.Error()))
	}
}

func (r *Redis) Purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "cache redis purge failed",
			slog.String("error", err.Error()))
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
