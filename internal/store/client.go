package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// ErrStoreUnavailable indicates a transient store failure. Callers may retry
// or degrade; this client itself never retries.
var ErrStoreUnavailable = errors.New("shared store unavailable")

const (
	// DefaultTimeout bounds every store operation so handlers degrade
	// instead of hanging on a network partition.
	DefaultTimeout = 3 * time.Second

	// ScanBatchSize controls how many keys are retrieved per SCAN operation.
	ScanBatchSize = 1000
)

// Client is a thin wrapper over a Redis connection exposing the field-level
// atomic primitives the session and cleanup components are built on. All
// operations are safe under concurrent callers from different processes.
type Client struct {
	redis   rueidis.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewClient creates a store client with the given operation timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewClient(redis rueidis.Client, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		redis:   redis,
		logger:  logger.Named("store"),
		timeout: timeout,
	}
}

// withTimeout derives the bounded context every store call runs under.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// wrapErr maps a transport failure onto the store error taxonomy.
func wrapErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// GetField retrieves a single hash field. The second return value reports
// whether the field exists; a missing field is not an error.
func (c *Client) GetField(ctx context.Context, key, field string) ([]byte, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.redis.Do(ctx, c.redis.B().Hget().Key(key).Field(field).Build())
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, false, nil
		}
		return nil, false, wrapErr("hget", err)
	}

	value, err := result.AsBytes()
	if err != nil {
		return nil, false, wrapErr("hget", err)
	}

	return value, true, nil
}

// SetField sets a single hash field.
func (c *Client) SetField(ctx context.Context, key, field string, value []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.redis.Do(ctx,
		c.redis.B().Hset().Key(key).FieldValue().FieldValue(field, string(value)).Build(),
	).Error()
	if err != nil {
		return wrapErr("hset", err)
	}

	return nil
}

// SetFieldNX sets a hash field only if it does not already exist and reports
// whether this call was the one that set it. This is the atomic first-seen
// primitive the duplicate detector relies on.
func (c *Client) SetFieldNX(ctx context.Context, key, field string, value []byte) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	set, err := c.redis.Do(ctx,
		c.redis.B().Hsetnx().Key(key).Field(field).Value(string(value)).Build(),
	).AsBool()
	if err != nil {
		return false, wrapErr("hsetnx", err)
	}

	return set, nil
}

// IncrField atomically increments a numeric hash field by one and returns the
// new value. Concurrent callers always observe distinct results.
func (c *Client) IncrField(ctx context.Context, key, field string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	value, err := c.redis.Do(ctx,
		c.redis.B().Hincrby().Key(key).Field(field).Increment(1).Build(),
	).AsInt64()
	if err != nil {
		return 0, wrapErr("hincrby", err)
	}

	return value, nil
}

// GetAllFields returns every field of a hash. An absent key yields an empty map.
func (c *Client) GetAllFields(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	fields, err := c.redis.Do(ctx, c.redis.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return nil, wrapErr("hgetall", err)
	}

	return fields, nil
}

// AddToSet adds a member to an unordered set.
func (c *Client) AddToSet(ctx context.Context, key, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.redis.Do(ctx, c.redis.B().Sadd().Key(key).Member(member).Build()).Error(); err != nil {
		return wrapErr("sadd", err)
	}

	return nil
}

// RemoveFromSet removes a member from a set. Removing an absent member is not
// an error.
func (c *Client) RemoveFromSet(ctx context.Context, key, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.redis.Do(ctx, c.redis.B().Srem().Key(key).Member(member).Build()).Error(); err != nil {
		return wrapErr("srem", err)
	}

	return nil
}

// SetMembers returns all members of a set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	members, err := c.redis.Do(ctx, c.redis.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, wrapErr("smembers", err)
	}

	return members, nil
}

// AddToExpirySet adds a member to a sorted set scored by its expiry time.
// Expired members are discarded on pop rather than by the store itself.
func (c *Client) AddToExpirySet(ctx context.Context, key, member string, expireAt time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.redis.Do(ctx,
		c.redis.B().Zadd().Key(key).ScoreMember().
			ScoreMember(float64(expireAt.Unix()), member).Build(),
	).Error()
	if err != nil {
		return wrapErr("zadd", err)
	}

	return nil
}

// PopFromExpirySet atomically removes and returns the member with the earliest
// expiry. No two concurrent callers ever receive the same member. The bool
// reports whether a member was available.
func (c *Client) PopFromExpirySet(ctx context.Context, key string) (string, time.Time, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	scores, err := c.redis.Do(ctx, c.redis.B().Zpopmin().Key(key).Build()).AsZScores()
	if err != nil {
		return "", time.Time{}, false, wrapErr("zpopmin", err)
	}

	if len(scores) == 0 {
		return "", time.Time{}, false, nil
	}

	return scores[0].Member, time.Unix(int64(scores[0].Score), 0), true, nil
}

// CountExpirySet returns the number of members in an expiry set.
func (c *Client) CountExpirySet(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	count, err := c.redis.Do(ctx, c.redis.B().Zcard().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, wrapErr("zcard", err)
	}

	return count, nil
}

// Get retrieves a plain value with its existence flag.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.redis.Do(ctx, c.redis.B().Get().Key(key).Build())
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, false, nil
		}
		return nil, false, wrapErr("get", err)
	}

	value, err := result.AsBytes()
	if err != nil {
		return nil, false, wrapErr("get", err)
	}

	return value, true, nil
}

// Set stores a plain value with a TTL.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// PX keeps millisecond precision; EX would round sub-second TTLs to
	// zero and the write would be rejected.
	err := c.redis.Do(ctx,
		c.redis.B().Set().Key(key).Value(string(value)).Px(ttl).Build(),
	).Error()
	if err != nil {
		return wrapErr("set", err)
	}

	return nil
}

// DeleteKeys removes the given keys. Deleting absent keys is not an error.
// Keys are deleted one at a time: callers pass arbitrary key families that
// need not share a hash slot, and a multi-key DEL across slots is rejected
// by the client.
func (c *Client) DeleteKeys(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delCtx, cancel := c.withTimeout(ctx)
		err := c.redis.Do(delCtx, c.redis.B().Del().Key(key).Build()).Error()
		cancel()

		if err != nil {
			return wrapErr("del", err)
		}
	}

	return nil
}

// ScanKeys returns all keys matching the pattern using cursor-based scanning
// to avoid blocking the store on large keyspaces.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	cursor := uint64(0)

	for {
		scanCtx, cancel := c.withTimeout(ctx)
		result := c.redis.Do(scanCtx,
			c.redis.B().Scan().Cursor(cursor).Match(pattern).Count(ScanBatchSize).Build(),
		)
		cancel()

		if err := result.Error(); err != nil {
			return nil, wrapErr("scan", err)
		}

		entry, err := result.AsScanEntry()
		if err != nil {
			return nil, wrapErr("scan", err)
		}

		keys = append(keys, entry.Elements...)

		if entry.Cursor == 0 {
			break
		}
		cursor = entry.Cursor
	}

	return keys, nil
}
