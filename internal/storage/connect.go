package storage

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
)

// DefaultConnectAttempts is how many times ConnectRedis and ConnectPostgres
// try before giving up.
const DefaultConnectAttempts = 5

// ConnectRedis connects to Redis, retrying with exponential backoff.
func ConnectRedis(ctx context.Context, cfg RedisConfig, attempts uint, logger *zap.Logger) (*RedisClient, error) {
	var client *RedisClient
	err := connect(ctx, "redis", attempts, logger, func() error {
		c, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}

// ConnectPostgres opens the PostgreSQL pool, retrying with exponential
// backoff.
func ConnectPostgres(ctx context.Context, cfg DBConfig, attempts uint, logger *zap.Logger) (*DB, error) {
	var db *DB
	err := connect(ctx, "postgres", attempts, logger, func() error {
		d, err := NewDB(ctx, cfg)
		if err != nil {
			return err
		}
		db = d
		return nil
	})
	return db, err
}

func connect(ctx context.Context, backend string, attempts uint, logger *zap.Logger, dial func() error) error {
	if attempts == 0 {
		attempts = DefaultConnectAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("storage: connect failed, retrying",
				zap.String("backend", backend),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	).Do(dial)
}
