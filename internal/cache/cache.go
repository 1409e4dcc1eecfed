package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/groupwarden/groupwarden/internal/store"
	"go.uber.org/zap"
)

// DefaultLocalTTL bounds how long the in-process tier may serve an entry
// before falling back to the shared store.
const DefaultLocalTTL = 5 * time.Minute

// envelope wraps a cached value with its explicit expiry timestamp so
// staleness is decided by the stored deadline, not by store-side TTL alone.
type envelope struct {
	ExpiresAt time.Time `json:"expiresAt"`
	Value     []byte    `json:"value"`
}

// Cache is a two-tier read cache keyed by (tenant, entity kind, entity key).
// Reads consult an in-process TTL map first and fall back to the shared
// store, repopulating the local tier on a successful fetch. A shared store
// failure on the read path degrades to a miss.
type Cache struct {
	store    *store.Client
	local    *TTLMap[string, envelope]
	localTTL time.Duration
	logger   *zap.Logger
}

// NewCache creates a cache backed by the given store client. A non-positive
// localTTL falls back to DefaultLocalTTL.
func NewCache(store *store.Client, localTTL time.Duration, logger *zap.Logger) *Cache {
	if localTTL <= 0 {
		localTTL = DefaultLocalTTL
	}

	return &Cache{
		store:    store,
		local:    NewTTLMap[string, envelope](localTTL),
		localTTL: localTTL,
		logger:   logger.Named("cache"),
	}
}

func cacheKey(tenantID, kind, key string) string {
	return fmt.Sprintf("cache:%s:%s:%s", tenantID, kind, key)
}

// Get returns the cached value for (tenant, kind, key) and whether a fresh
// entry was found. Store failures are reported as a miss.
func (c *Cache) Get(ctx context.Context, tenantID, kind, key string) ([]byte, bool) {
	ck := cacheKey(tenantID, kind, key)

	if env, ok := c.local.Get(ck); ok {
		if time.Now().Before(env.ExpiresAt) {
			return env.Value, true
		}
		c.local.Delete(ck)
	}

	raw, ok, err := c.store.Get(ctx, ck)
	if err != nil {
		c.logger.Debug("Cache read degraded to miss", zap.String("key", ck), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		c.logger.Debug("Failed to decode cache envelope", zap.String("key", ck), zap.Error(err))
		return nil, false
	}

	if !time.Now().Before(env.ExpiresAt) {
		return nil, false
	}

	// Repopulate the local tier, bounded by both the entry's own deadline
	// and the local freshness window.
	localTTL := min(c.localTTL, time.Until(env.ExpiresAt))
	c.local.Set(ck, env, localTTL)

	return env.Value, true
}

// Set writes the value through both tiers with the given TTL.
func (c *Cache) Set(ctx context.Context, tenantID, kind, key string, value []byte, ttl time.Duration) error {
	ck := cacheKey(tenantID, kind, key)
	env := envelope{
		ExpiresAt: time.Now().Add(ttl),
		Value:     value,
	}

	raw, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode cache envelope: %w", err)
	}

	if err := c.store.Set(ctx, ck, raw, ttl); err != nil {
		return err
	}

	c.local.Set(ck, env, min(c.localTTL, ttl))

	return nil
}

// Invalidate drops the entry from both tiers.
func (c *Cache) Invalidate(ctx context.Context, tenantID, kind, key string) error {
	ck := cacheKey(tenantID, kind, key)
	c.local.Delete(ck)

	return c.store.DeleteKeys(ctx, ck)
}
