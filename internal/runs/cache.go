package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-dashboard/internal/metrics"
)

// Cache TTLs. Run listings churn while an engine is writing new folders;
// a completed run's summary never changes, but the TTL keeps a re-run of
// the same folder from serving stale numbers forever.
const (
	listTTL    = 30 * time.Second
	summaryTTL = 10 * time.Minute
)

// CacheConfig configures the Redis layer in front of a Reader.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
}

// Cache is a read-through Redis cache over the hot run-history paths:
// ListRuns, Summary and Performance. Everything else passes straight to
// the inner reader. Redis being down degrades to uncached reads.
type Cache struct {
	Reader

	client  *goredis.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewCache connects to Redis and wraps inner. Fails only when Redis does
// not answer a ping; callers that can live without caching should fall
// back to the inner reader on error.
func NewCache(cfg CacheConfig, inner Reader, log *slog.Logger, m *metrics.Metrics) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("runs cache connected", "addr", cfg.Addr)
	return &Cache{Reader: inner, client: client, log: log, metrics: m}, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) countOp(op string) {
	if c.metrics != nil {
		c.metrics.RunsCacheOps.WithLabelValues(op).Inc()
	}
}

// lookup fills dest from the cache and reports whether it hit. Redis or
// decode errors count as misses.
func (c *Cache) lookup(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != goredis.Nil {
			c.log.Debug("cache get failed", "key", key, "err", err)
		}
		c.countOp("miss")
		return false
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		c.log.Debug("cache entry corrupt", "key", key, "err", err)
		c.countOp("miss")
		return false
	}
	c.countOp("hit")
	return true
}

// store writes v to the cache best-effort.
func (c *Cache) store(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, string(data), ttl).Err(); err != nil {
		c.log.Debug("cache set failed", "key", key, "err", err)
		return
	}
	c.countOp("store")
}

// ListRuns serves the run listing from cache when fresh.
func (c *Cache) ListRuns(ctx context.Context, configType string, limit int) ([]RunInfo, error) {
	key := fmt.Sprintf("runs:list:%s:%d", configType, limit)
	var cached []RunInfo
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}

	fresh, err := c.Reader.ListRuns(ctx, configType, limit)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh, listTTL)
	return fresh, nil
}

// Summary serves the per-run rollup from cache when fresh.
func (c *Cache) Summary(ctx context.Context, configType, runID string) (Summary, error) {
	key := fmt.Sprintf("runs:summary:%s:%s", configType, runID)
	var cached Summary
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}

	fresh, err := c.Reader.Summary(ctx, configType, runID)
	if err != nil {
		return Summary{}, err
	}
	c.store(ctx, key, fresh, summaryTTL)
	return fresh, nil
}

// Performance serves performance.json from cache when fresh.
func (c *Cache) Performance(ctx context.Context, configType, runID string) (Record, error) {
	key := fmt.Sprintf("runs:perf:%s:%s", configType, runID)
	var cached Record
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}

	fresh, err := c.Reader.Performance(ctx, configType, runID)
	if err != nil {
		return nil, err
	}
	if fresh != nil {
		c.store(ctx, key, fresh, summaryTTL)
	}
	return fresh, nil
}
