package db

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/errors"
)

// OpenRedis connects to the shared Redis and verifies it answers PING
func OpenRedis(ctx context.Context, cfg am.RedisConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.NewInvalidRequestError("redis.addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "redis %s: %v", cfg.Addr, err)
	}

	if logger != nil {
		logger.Infow("Redis connected", "addr", cfg.Addr, "db", cfg.DB)
	}
	return client, nil
}
