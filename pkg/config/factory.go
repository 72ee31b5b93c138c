package config

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/expression"
	"github.com/wehubfusion/Daedalus/pkg/lock"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// OpenStore opens the configured task execution store
func (c Config) OpenStore() (store.Store, error) {
	switch c.Store.Driver {
	case StoreMemory:
		return store.NewMemoryStore(), nil
	case StoreSQLite:
		s, err := store.NewSQLiteStore(store.SQLiteConfig{Path: c.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store %s: %w", c.Store.Path, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

// NewLocker returns the configured locker and a function releasing its resources
func (c Config) NewLocker(ctx context.Context, logger *zap.Logger) (lock.Locker, func() error, error) {
	switch c.Lock.Driver {
	case LockMemory:
		return lock.NewMemoryLocker(), func() error { return nil }, nil
	case LockRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Lock.RedisAddr,
			Password: c.Lock.RedisPassword,
			DB:       c.Lock.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", c.Lock.RedisAddr, err)
		}
		rc := lock.DefaultRedisConfig()
		rc.TTL = c.Lock.TTL
		return lock.NewRedisLocker(client, rc, logger), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock driver %q", c.Lock.Driver)
	}
}

// NewEvaluator returns the configured expression backend
func (c Config) NewEvaluator() (expression.Evaluator, error) {
	return expression.New(c.Expression)
}

// NewBlobClient returns the Azure client for result offload, or nil when no
// connection string is configured. Engine and executors run in separate
// processes, so there is no in-process fallback.
func (c Config) NewBlobClient(logger *zap.Logger) (storage.BlobStorageClient, error) {
	if c.Blob.ConnectionString == "" {
		return nil, nil
	}
	client, err := storage.NewAzureBlobClient(c.Blob.ConnectionString, c.Blob.Container, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}
