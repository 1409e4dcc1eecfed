// Package admin answers "is this user an admin of this chat" without
// hammering the platform API. Authoritative lists are fetched once and
// served from the tenant-scoped cache until they expire.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/groupwarden/groupwarden/internal/cache"
	"go.uber.org/zap"
)

// DefaultTTL is how long a fetched admin list is trusted before the
// authoritative source is consulted again.
const DefaultTTL = 10 * time.Minute

const cacheKind = "admins"

// Fetcher retrieves the authoritative admin list for a chat from the
// platform. Implemented by the platform layer.
type Fetcher interface {
	FetchAuthoritativeAdmins(ctx context.Context, chatID string) ([]uint64, error)
}

// Checker caches per-chat admin lists. An empty list is a valid cached
// answer, distinct from a cache miss.
type Checker struct {
	fetcher Fetcher
	cache   *cache.Cache
	logger  *zap.Logger
	ttl     time.Duration
}

// NewChecker creates an admin checker backed by the given fetcher.
func NewChecker(fetcher Fetcher, cache *cache.Cache, ttl time.Duration, logger *zap.Logger) *Checker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Checker{
		fetcher: fetcher,
		cache:   cache,
		logger:  logger.Named("admin"),
		ttl:     ttl,
	}
}

// Admins returns the chat's admin list, from cache when fresh.
func (c *Checker) Admins(ctx context.Context, tenantID, chatID string) ([]uint64, error) {
	if raw, ok := c.cache.Get(ctx, tenantID, cacheKind, chatID); ok {
		var admins []uint64
		if err := sonic.Unmarshal(raw, &admins); err == nil {
			return admins, nil
		}

		c.logger.Warn("Failed to unmarshal cached admin list, refetching",
			zap.String("chat", chatID))
	}

	admins, err := c.fetcher.FetchAuthoritativeAdmins(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch admin list: %w", err)
	}

	if admins == nil {
		admins = []uint64{}
	}

	raw, err := sonic.Marshal(admins)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal admin list: %w", err)
	}

	if err := c.cache.Set(ctx, tenantID, cacheKind, chatID, raw, c.ttl); err != nil {
		c.logger.Debug("Failed to cache admin list", zap.Error(err))
	}

	return admins, nil
}

// IsAdmin reports whether the user administers the chat. Fetch failures
// degrade to false rather than surfacing an error to event handlers.
func (c *Checker) IsAdmin(ctx context.Context, tenantID, chatID string, userID uint64) bool {
	admins, err := c.Admins(ctx, tenantID, chatID)
	if err != nil {
		c.logger.Warn("Admin check degraded to false",
			zap.String("tenant", tenantID),
			zap.String("chat", chatID),
			zap.Uint64("user", userID),
			zap.Error(err))

		return false
	}

	for _, admin := range admins {
		if admin == userID {
			return true
		}
	}

	return false
}

// Invalidate drops the cached list so the next check refetches. Call after
// promotion or demotion events.
func (c *Checker) Invalidate(ctx context.Context, tenantID, chatID string) error {
	return c.cache.Invalidate(ctx, tenantID, cacheKind, chatID)
}
