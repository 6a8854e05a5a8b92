package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"purchase-api/internal/database"
	"purchase-api/internal/models"
	"purchase-api/pkg/logging"

	"gorm.io/gorm"
)

const entitlementCacheTTL = 5 * time.Minute

// Entitlements is the profile snapshot returned to clients.
type Entitlements struct {
	RoomCredits        int        `json:"room_credits"`
	SubscriptionType   string     `json:"subscription_type"`
	SubscriptionStatus string     `json:"subscription_status"`
	ExpiresAt          *time.Time `json:"expires_at"`
	AutoRenew          bool       `json:"auto_renew"`
}

// Reconciler applies verified purchase outcomes to user profiles. It is
// the only writer of entitlement state. Writes are last-writer-wins; the
// ledger's unique transaction index upstream guarantees at most one
// writer per purchase.
type Reconciler struct {
	db *gorm.DB
}

// NewReconciler creates a reconciler over the given database handle.
func NewReconciler(db *gorm.DB) *Reconciler {
	return &Reconciler{db: db}
}

// ApplyCredits adds amount to the user's room credits and returns the new
// total. The addition happens store-side so concurrent spends in the
// matchmaking service are not overwritten.
func (r *Reconciler) ApplyCredits(ctx context.Context, userID uint, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var newTotal int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.User{}).
			Where("id = ?", userID).
			UpdateColumn("room_credits", gorm.Expr("room_credits + ?", amount))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("user %d not found", userID)
		}

		var user models.User
		if err := tx.Select("room_credits").First(&user, userID).Error; err != nil {
			return err
		}
		newTotal = user.RoomCredits
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.dropCachedEntitlements(ctx, userID)
	return newTotal, nil
}

// ApplySubscription activates a subscription with the platform-reported
// expiry verbatim. Expiry is never computed locally.
func (r *Reconciler) ApplySubscription(ctx context.Context, userID uint, plan string, expiresAt time.Time, autoRenew bool) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_type":       plan,
			"subscription_status":     models.SubscriptionActive,
			"subscription_expires_at": expiresAt,
			"subscription_auto_renew": autoRenew,
		}).Error
	if err != nil {
		return err
	}

	r.dropCachedEntitlements(ctx, userID)
	return nil
}

// MarkSubscriptionStatus updates only the status. Used for cancel and
// payment-failed transitions, which keep the current expiry so access
// runs out naturally.
func (r *Reconciler) MarkSubscriptionStatus(ctx context.Context, userID uint, status string) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("subscription_status", status).Error
	if err != nil {
		return err
	}

	r.dropCachedEntitlements(ctx, userID)
	return nil
}

// SetAutoRenew records the user's renewal choice without touching status
// or expiry.
func (r *Reconciler) SetAutoRenew(ctx context.Context, userID uint, on bool) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("subscription_auto_renew", on).Error
	if err != nil {
		return err
	}

	r.dropCachedEntitlements(ctx, userID)
	return nil
}

// RevokeSubscription ends access immediately: status set, expiry forced
// to now. Used for refunds and revocations.
func (r *Reconciler) RevokeSubscription(ctx context.Context, userID uint, status string) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_status":     status,
			"subscription_expires_at": time.Now(),
			"subscription_auto_renew": false,
		}).Error
	if err != nil {
		return err
	}

	r.dropCachedEntitlements(ctx, userID)
	return nil
}

// EntitlementsFor returns the user's current entitlement snapshot,
// preferring the cache.
func (r *Reconciler) EntitlementsFor(ctx context.Context, userID uint) (*Entitlements, error) {
	cacheKey := entitlementCacheKey(userID)
	if cached, err := database.GetCache(ctx, cacheKey); err == nil {
		var ent Entitlements
		if err := json.Unmarshal([]byte(cached), &ent); err == nil {
			return &ent, nil
		}
	}

	var user models.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}

	ent := &Entitlements{
		RoomCredits:        user.RoomCredits,
		SubscriptionType:   user.SubscriptionType,
		SubscriptionStatus: user.SubscriptionStatus,
		ExpiresAt:          user.SubscriptionExpiresAt,
		AutoRenew:          user.SubscriptionAutoRenew,
	}

	if data, err := json.Marshal(ent); err == nil {
		if err := database.SetCache(ctx, cacheKey, string(data), entitlementCacheTTL); err != nil && err != database.ErrCacheUnavailable {
			logging.Warnf("Failed to cache entitlements for user %d: %v", userID, err)
		}
	}

	return ent, nil
}

func (r *Reconciler) dropCachedEntitlements(ctx context.Context, userID uint) {
	if err := database.DeleteCache(ctx, entitlementCacheKey(userID)); err != nil && err != database.ErrCacheUnavailable {
		logging.Warnf("Failed to drop cached entitlements for user %d: %v", userID, err)
	}
}

func entitlementCacheKey(userID uint) string {
	return fmt.Sprintf("entitlements:%d", userID)
}
