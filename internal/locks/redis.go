package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL      = 30 * time.Second
	defaultRetryInterval = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis backed Locker.
type RedisConfig struct {
	Client        redis.UniversalClient
	KeyPrefix     string
	LeaseTTL      time.Duration
	RetryInterval time.Duration
	WaitTimeout   time.Duration
	Logger        *zap.Logger
}

// Redis is a Locker shared between processes through SET NX leases.
type Redis struct {
	client        redis.UniversalClient
	prefix        string
	leaseTTL      time.Duration
	retryInterval time.Duration
	waitTimeout   time.Duration
	logger        *zap.Logger
}

// NewRedis constructs a Redis locker.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("locks: redis client is required")
	}
	lease := cfg.LeaseTTL
	if lease <= 0 {
		lease = defaultLeaseTTL
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = defaultWaitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:        cfg.Client,
		prefix:        cfg.KeyPrefix,
		leaseTTL:      lease,
		retryInterval: retry,
		waitTimeout:   wait,
		logger:        logger,
	}, nil
}

// Lock polls until the lease is acquired, the context ends, or the wait timeout elapses.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + "lock:" + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.waitTimeout)
	for {
		acquired, err := r.client.SetNX(ctx, redisKey, token, r.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
		}
		if acquired {
			return func() {
				if err := releaseScript.Run(context.Background(), r.client, []string{redisKey}, token).Err(); err != nil {
					r.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryInterval):
		}
	}
}
