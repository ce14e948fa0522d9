package database

import (
	"context"
	"fmt"
	"runtime"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// blockingClients is the number of worker loops that each pin a pooled
// connection inside BLPOP.
const blockingClients = 3

// NewRedisClient connects the client shared by the exam cache, session
// slots, the monitor channel and the worker queues.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if opt.ClientName == "" {
		opt.ClientName = "exstem-proctor"
	}
	if opt.PoolSize == 0 {
		opt.PoolSize = 10*runtime.GOMAXPROCS(0) + blockingClients
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Int("pool_size", opt.PoolSize).
		Msg("Redis connected")

	return rdb, nil
}
