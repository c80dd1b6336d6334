package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper routes redis commands through a circuit breaker. redis.Nil
// (key missing) is a normal outcome, never a breaker failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "conversation-store", cb)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

// execute runs one command through the breaker and records the attempt.
// It returns the breaker-level error (rejection, or the command's own
// failure echoed back); the caller stamps it onto its typed Cmd.
func (rw *RedisWrapper) execute(ctx context.Context, op func() error) error {
	err := rw.cb.Execute(ctx, func() error {
		if opErr := op(); opErr != nil && opErr != redis.Nil {
			return opErr
		}
		return nil
	})

	GlobalMetricsCollector.RecordRequest("redis", "conversation-store", rw.cb.State(), err == nil)
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	}); err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	// A rejected call never ran the command, so there is no cmd to hand
	// back; synthesize one carrying the breaker error
	if err := rw.execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Scan wraps Redis Scan with circuit breaker
func (rw *RedisWrapper) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	var result *redis.ScanCmd
	if err := rw.execute(ctx, func() error {
		result = rw.client.Scan(ctx, cursor, match, count)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewScanCmd(ctx, nil)
		result.SetErr(err)
	}
	return result
}

// Expire wraps Redis Expire with circuit breaker
func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd
	if err := rw.execute(ctx, func() error {
		result = rw.client.Expire(ctx, key, expiration)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen reports whether the breaker is currently open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
