package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisOptionsKeepDefaultsForZeroValues(t *testing.T) {
	cfg := defaultRedisConfig()
	for _, opt := range []RedisOption{
		WithRedisHost(""),
		WithRedisPort(0),
		WithRedisPool(0, -1, 0),
		WithRedisPrefix(""),
	} {
		opt(cfg)
	}
	assert.Equal(t, "localhost:6379", cfg.Addr())
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
	assert.Equal(t, "finbacktest", cfg.Prefix)

	WithRedisHost("cache.internal")(cfg)
	WithRedisPool(32, 0, time.Second)(cfg)
	assert.Equal(t, "cache.internal:6379", cfg.Addr())
	assert.Equal(t, 32, cfg.PoolSize)
	assert.Zero(t, cfg.MinIdleConns)
}

func TestLayeredOptions(t *testing.T) {
	cfg := defaultLayeredConfig()
	WithLayeredMemorySize(0)(cfg)
	WithLayeredMemoryTTL(-time.Second)(cfg)
	assert.Equal(t, 256, cfg.MemoryMaxSize)
	assert.Equal(t, 10*time.Minute, cfg.MemoryTTL)
}
