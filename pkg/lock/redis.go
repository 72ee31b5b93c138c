package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the key still holds our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig configures RedisLocker
type RedisConfig struct {
	// Prefix is prepended to every key
	Prefix string
	// TTL bounds how long a crashed holder keeps the lock. A live holder
	// renews it every TTL/3 until it releases.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts
	RetryInterval time.Duration
}

// DefaultRedisConfig returns the default Redis locker configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:        "daedalus:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by every engine process using the same
// Redis. Locks are SET NX PX keys holding a random token.
type RedisLocker struct {
	client redis.UniversalClient
	config RedisConfig
	logger *zap.Logger
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client redis.UniversalClient, config RedisConfig, logger *zap.Logger) *RedisLocker {
	defaults := DefaultRedisConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, config: config, logger: logger}
}

// Lock acquires key, polling until ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.config.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.config.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(fullKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil {
				// the TTL frees the key eventually
				l.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

// renew keeps fullKey alive while it holds token. It stops when stop is
// closed or the lock turns out to be lost.
func (l *RedisLocker) renew(fullKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := max(l.config.TTL/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, l.client, []string{fullKey}, token, l.config.TTL.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("Failed to renew lock", zap.String("key", fullKey), zap.Error(err))
		case n == 0:
			l.logger.Warn("Lock expired before it was released", zap.String("key", fullKey))
			return
		}
	}
}
