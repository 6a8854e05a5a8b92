package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"purchase-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// ReplayProtection deduplicates webhook deliveries by notification UUID.
// Redis (SETNX with TTL) is the primary store so replays are caught
// across instances; when no Redis client is supplied, or a Redis call
// fails, an in-memory map covers the single-instance case.
type ReplayProtection struct {
	redis *redis.Client
	ttl   time.Duration

	mutex                  sync.Mutex
	processedNotifications map[string]time.Time
	cleanupInterval        time.Duration
	stopCleanup            chan struct{}
}

// NewReplayProtection creates a guard. redisClient may be nil.
func NewReplayProtection(redisClient *redis.Client) *ReplayProtection {
	rp := &ReplayProtection{
		redis:                  redisClient,
		ttl:                    24 * time.Hour,
		processedNotifications: make(map[string]time.Time),
		cleanupInterval:        time.Hour,
		stopCleanup:            make(chan struct{}),
	}

	go rp.startCleanupRoutine()

	return rp
}

// IsReplay reports whether this notification was already processed, and
// records it when not. Notifications without a UUID cannot be checked and
// are always allowed.
func (rp *ReplayProtection) IsReplay(ctx context.Context, notificationUUID string, timestamp int64) bool {
	if notificationUUID == "" {
		logging.Infof("Notification UUID is empty, skipping replay check")
		return false
	}

	notificationID := generateNotificationID(notificationUUID, timestamp)

	if rp.redis != nil {
		set, err := rp.redis.SetNX(ctx, "webhook:replay:"+notificationID, time.Now().Unix(), rp.ttl).Result()
		if err == nil {
			if !set {
				logging.Infof("Replay detected - notification_id: %s", notificationID)
			}
			return !set
		}
		logging.Warnf("Replay check falling back to memory, Redis error: %v", err)
	}

	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	if processedTime, exists := rp.processedNotifications[notificationID]; exists {
		logging.Infof("Replay detected - notification_id: %s, previously processed at: %v", notificationID, processedTime)
		return true
	}

	rp.processedNotifications[notificationID] = time.Now()
	return false
}

// generateNotificationID hashes the UUID and signing timestamp into one
// dedup key.
func generateNotificationID(notificationUUID string, timestamp int64) string {
	data := fmt.Sprintf("%s:%d", notificationUUID, timestamp)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func (rp *ReplayProtection) startCleanupRoutine() {
	ticker := time.NewTicker(rp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.cleanup()
		case <-rp.stopCleanup:
			return
		}
	}
}

// cleanup drops expired entries from the in-memory fallback map.
func (rp *ReplayProtection) cleanup() {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	now := time.Now()
	initialCount := len(rp.processedNotifications)

	for notificationID, processedTime := range rp.processedNotifications {
		if now.Sub(processedTime) > rp.ttl {
			delete(rp.processedNotifications, notificationID)
		}
	}

	cleanedCount := initialCount - len(rp.processedNotifications)
	if cleanedCount > 0 {
		logging.Infof("Replay protection cleanup: removed %d expired notifications, remaining: %d", cleanedCount, len(rp.processedNotifications))
	}
}

// Clear empties the in-memory records (for tests).
func (rp *ReplayProtection) Clear() {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	rp.processedNotifications = make(map[string]time.Time)
}

// Stop terminates the cleanup goroutine.
func (rp *ReplayProtection) Stop() {
	close(rp.stopCleanup)
}
