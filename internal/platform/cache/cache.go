// Package cache provides the tenant-scoped key/value cache used by the
// template and form services. Keys follow {entityType}:{tenantId}:{...} and
// whole tenant/entity namespaces are invalidated by prefix after every write.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clindoc/internal/platform/telemetry"
)

// DefaultTTL bounds staleness when an invalidation is missed.
const DefaultTTL = 300 * time.Second

// Store is the raw cache backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Coordinator wraps a Store with JSON encoding, a fixed TTL and the logging
// and metrics needed by the services. Read failures degrade to a miss and
// invalidation failures are logged but never returned.
type Coordinator struct {
	store   Store
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewCoordinator(store Store, ttl time.Duration, logger zerolog.Logger, metrics *telemetry.Metrics) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		store:   store,
		ttl:     ttl,
		logger:  logger.With().Str("component", "cache").Logger(),
		metrics: metrics,
	}
}

// TTL returns the expiry applied to every entry.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// GetJSON decodes the cached value at key into dst. It reports false on a
// miss, on a backend error and on a value that no longer decodes.
func (c *Coordinator) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	entity := entityOf(key)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.metrics.CacheLookup(entity, "error")
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return false
	}
	if !ok {
		c.metrics.CacheLookup(entity, "miss")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.metrics.CacheLookup(entity, "error")
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry undecodable")
		return false
	}
	c.metrics.CacheLookup(entity, "hit")
	return true
}

// SetJSON stores value under key. Failures are logged only.
func (c *Coordinator) SetJSON(ctx context.Context, key string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Invalidate deletes every key under each prefix. The write that triggered
// it has already committed, so errors are logged and swallowed.
func (c *Coordinator) Invalidate(ctx context.Context, prefixes ...string) {
	for _, prefix := range prefixes {
		err := c.store.DeleteByPrefix(ctx, prefix)
		c.metrics.CacheInvalidation(entityOf(prefix), err)
		if err != nil {
			c.logger.Error().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
		}
	}
}

// Load is the cache-aside read path: a hit is returned directly, a miss calls
// fetch and stores its result.
func Load[T any](ctx context.Context, c *Coordinator, key string, fetch func() (T, error)) (T, error) {
	var cached T
	if c != nil && c.GetJSON(ctx, key, &cached) {
		return cached, nil
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	if c != nil {
		c.SetJSON(ctx, key, v)
	}
	return v, nil
}

func entityOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
