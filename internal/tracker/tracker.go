// Package tracker records bot-emitted message IDs per chat so that stale
// notices can be bulk-deleted later. Entries live in a shared expiry set;
// draining pops each entry exactly once even with multiple workers running.
package tracker

import (
	"context"
	"strconv"
	"time"

	"github.com/groupwarden/groupwarden/internal/store"
	"go.uber.org/zap"
)

// ProgressInterval is how many deletions happen between progress callbacks
// during a drain.
const ProgressInterval = 10

// DeleteFunc removes one message from the platform. Failures are logged and
// skipped; a missing message is not worth retrying.
type DeleteFunc func(ctx context.Context, chatID string, messageID int64) error

// ProgressFunc observes drain progress. Called at a bounded interval and
// once more at the end.
type ProgressFunc func(deleted, total int)

// Manager tracks emitted messages in the shared store.
type Manager struct {
	store  *store.Client
	logger *zap.Logger
}

// NewManager creates a tracked-message manager.
func NewManager(store *store.Client, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.Named("tracker"),
	}
}

// Track records a message for later cleanup. The entry expires out of the
// set after ttl; expired entries are silently dropped during drains.
func (m *Manager) Track(
	ctx context.Context, tenantID, chatID string, messageID int64, ttl time.Duration,
) error {
	return m.store.AddToExpirySet(
		ctx, trackedKey(tenantID, chatID), strconv.FormatInt(messageID, 10), time.Now().Add(ttl),
	)
}

// Count returns the number of tracked messages for a chat, expired entries
// included.
func (m *Manager) Count(ctx context.Context, tenantID, chatID string) (int64, error) {
	return m.store.CountExpirySet(ctx, trackedKey(tenantID, chatID))
}

// Clear drops all tracked entries for a chat without deleting any messages.
func (m *Manager) Clear(ctx context.Context, tenantID, chatID string) error {
	return m.store.DeleteKeys(ctx, trackedKey(tenantID, chatID))
}

// DrainAndDelete pops every tracked entry for a chat and deletes the
// corresponding messages. Each entry is popped atomically, so concurrent
// drains of the same chat never delete the same message twice. Delete
// failures are logged and dropped, and entries past their expiry are dropped
// without calling deleteFn at all. Returns the number of delete attempts.
func (m *Manager) DrainAndDelete(
	ctx context.Context, tenantID, chatID string, deleteFn DeleteFunc, progressFn ProgressFunc,
) (int, error) {
	key := trackedKey(tenantID, chatID)

	total, err := m.store.CountExpirySet(ctx, key)
	if err != nil {
		return 0, err
	}

	var deleted int

	for {
		member, expireAt, ok, err := m.store.PopFromExpirySet(ctx, key)
		if err != nil {
			return deleted, err
		}
		if !ok {
			break
		}

		if time.Now().After(expireAt) {
			continue
		}

		messageID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			m.logger.Warn("Dropping malformed tracked entry", zap.String("member", member))
			continue
		}

		if err := deleteFn(ctx, chatID, messageID); err != nil {
			m.logger.Debug("Failed to delete tracked message",
				zap.String("chat", chatID),
				zap.Int64("message", messageID),
				zap.Error(err))
		}

		deleted++

		if progressFn != nil && deleted%ProgressInterval == 0 {
			progressFn(deleted, int(total))
		}
	}

	if progressFn != nil {
		progressFn(deleted, int(total))
	}

	m.logger.Info("Drained tracked messages",
		zap.String("tenant", tenantID),
		zap.String("chat", chatID),
		zap.Int("deleted", deleted))

	return deleted, nil
}

func trackedKey(tenantID, chatID string) string {
	return "tracked:" + tenantID + ":" + chatID
}
