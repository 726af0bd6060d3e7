package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// UnreadSource computes an unread count from the system of record.
type UnreadSource interface {
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
}

// UnreadCache is a read-through cache of per-user unread counts. Cache
// failures fall back to the source.
type UnreadCache struct {
	source  UnreadSource
	manager *Manager
	ttl     time.Duration
	logger  *zap.Logger
}

// NewUnreadCache wraps source. ttl 0 uses the manager default.
func NewUnreadCache(source UnreadSource, manager *Manager, ttl time.Duration, logger *zap.Logger) *UnreadCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnreadCache{source: source, manager: manager, ttl: ttl, logger: logger.With(zap.String("component", "unread_cache"))}
}

func unreadKey(conversationID, userID string) string {
	return fmt.Sprintf("unread:%s:%s", conversationID, userID)
}

// UnreadCount returns the cached count, computing and storing it on a miss.
func (u *UnreadCache) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	key := unreadKey(conversationID, userID)
	if v, err := u.manager.Get(ctx, key); err == nil {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			return n, nil
		}
	} else if !IsCacheMiss(err) {
		u.logger.Debug("unread cache read failed", zap.String("key", key), zap.Error(err))
	}

	n, err := u.source.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if err := u.manager.Set(ctx, key, strconv.FormatInt(n, 10), u.ttl); err != nil {
		u.logger.Debug("unread cache write failed", zap.String("key", key), zap.Error(err))
	}
	return n, nil
}

// Forget drops the cached count so the next read recomputes it.
func (u *UnreadCache) Forget(ctx context.Context, conversationID, userID string) error {
	return u.manager.Delete(ctx, unreadKey(conversationID, userID))
}
