package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"purchase-api/internal/database"
	"purchase-api/internal/models"
	"purchase-api/internal/services"
	"purchase-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// lifecycleEvent is the normalized form of an App Store server
// notification, whether it arrived as a V2 signedPayload or a V1
// statusUpdateNotification body.
type lifecycleEvent struct {
	NotificationType string
	Subtype          string
	NotificationUUID string
	SignedDate       int64
	Environment      string
	Transaction      models.TransactionInfo
	AutoRenewOn      bool
	HasRenewalInfo   bool
}

// HandleAppStoreNotification ingests App Store Server Notifications.
// Apple retries on any non-2xx, so every benign condition (unknown
// type, unmatched transaction, duplicate delivery) is acknowledged with
// 200; only store failures return 500.
// POST /api/appstore/notifications
func (h *NotificationHandler) HandleAppStoreNotification(c *gin.Context) {
	startTime := time.Now()

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		logging.Errorf("Empty or unreadable notification body")
		c.JSON(http.StatusBadRequest, gin.H{"received": false})
		return
	}

	ev, err := h.normalizeNotification(body)
	if err != nil {
		// A payload that failed to parse once will fail forever; retrying
		// it helps nobody.
		logging.Errorf("Failed to parse App Store notification: %v", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if ev.NotificationType == "" {
		logging.Infof("App Store heartbeat notification acknowledged")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if h.replay.IsReplay(c.Request.Context(), ev.NotificationUUID, ev.SignedDate) {
		logging.Infof("Duplicate App Store notification acknowledged - uuid: %s", ev.NotificationUUID)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.dispatchAppleEvent(c.Request.Context(), ev); err != nil {
		logging.Errorf("Failed to process App Store notification - type: %s, error: %v", ev.NotificationType, err)
		c.JSON(http.StatusInternalServerError, gin.H{"received": false})
		return
	}

	logging.Infof("App Store notification processed - type: %s, subtype: %s, transaction: %s, time: %v",
		ev.NotificationType, ev.Subtype, ev.Transaction.TransactionID, time.Since(startTime))
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// normalizeNotification detects the notification format and normalizes
// it. V2 wraps everything in a signed JWS; V1 is plain JSON.
func (h *NotificationHandler) normalizeNotification(body []byte) (*lifecycleEvent, error) {
	var wrapper models.AppStoreNotificationWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.SignedPayload != "" {
		return h.normalizeV2(wrapper.SignedPayload)
	}
	return normalizeV1(body)
}

func (h *NotificationHandler) normalizeV2(signedPayload string) (*lifecycleEvent, error) {
	var notification models.AppStoreNotification
	if err := h.jws.DecodeAndVerify(signedPayload, &notification); err != nil {
		return nil, err
	}

	ev := &lifecycleEvent{
		NotificationType: notification.NotificationType,
		Subtype:          notification.Subtype,
		NotificationUUID: notification.NotificationUUID,
		SignedDate:       notification.SignedDate,
		Environment:      strings.ToLower(notification.Data.Environment),
	}

	if notification.Data.SignedTransactionInfo != "" {
		if err := h.jws.DecodeAndVerify(notification.Data.SignedTransactionInfo, &ev.Transaction); err != nil {
			return nil, err
		}
	}

	if notification.Data.SignedRenewalInfo != "" {
		var renewal models.RenewalInfo
		if err := h.jws.DecodeAndVerify(notification.Data.SignedRenewalInfo, &renewal); err != nil {
			return nil, err
		}
		ev.HasRenewalInfo = true
		ev.AutoRenewOn = renewal.AutoRenewStatus == 1
	} else {
		ev.AutoRenewOn = ev.Subtype != "AUTO_RENEW_DISABLED"
	}

	return ev, nil
}

func normalizeV1(body []byte) (*lifecycleEvent, error) {
	var legacy models.LegacyServerNotification
	if err := json.Unmarshal(body, &legacy); err != nil {
		return nil, err
	}

	ev := &lifecycleEvent{
		NotificationType: legacy.NotificationType,
		Environment:      strings.ToLower(legacy.Environment),
		HasRenewalInfo:   legacy.AutoRenewStatus != "",
		AutoRenewOn:      legacy.AutoRenewStatus != "false",
	}

	// V1 has no notification UUID; the replay guard cannot apply.
	if entry := newestLegacyEntry(legacy.UnifiedReceipt.LatestReceiptInfo); entry != nil {
		ev.Transaction = models.TransactionInfo{
			TransactionID:         entry.TransactionID,
			OriginalTransactionID: entry.OriginalTransactionID,
			ProductID:             entry.ProductID,
			Quantity:              atoiOr(entry.Quantity, 1),
			PurchaseDateMS:        msOrZero(entry.PurchaseDateMS),
			ExpiresDateMS:         msOrZero(entry.ExpiresDateMS),
			RevocationDateMS:      msOrZero(entry.CancellationDateMS),
			Environment:           ev.Environment,
		}
	}

	return ev, nil
}

// newestLegacyEntry picks the latest purchase from a V1 unified receipt.
func newestLegacyEntry(entries []models.LegacyReceiptInfo) *models.LegacyReceiptInfo {
	var newest *models.LegacyReceiptInfo
	var newestTS int64
	for i := range entries {
		ts := msOrZero(entries[i].PurchaseDateMS)
		if newest == nil || ts > newestTS {
			newest = &entries[i]
			newestTS = ts
		}
	}
	return newest
}

// dispatchAppleEvent applies the lifecycle transition for a notification
// type. Unknown types are a logged no-op so new Apple types never cause
// retry storms.
func (h *NotificationHandler) dispatchAppleEvent(ctx context.Context, ev *lifecycleEvent) error {
	switch ev.NotificationType {
	case "DID_RENEW", "RENEWAL", "DID_RECOVER", "SUBSCRIBED", "INITIAL_BUY":
		return h.handleRenewal(ctx, ev)
	case "DID_CHANGE_RENEWAL_STATUS", "CANCEL", "DID_CANCEL":
		return h.handleRenewalStatusChange(ctx, ev)
	case "DID_FAIL_TO_RENEW":
		return h.handlePaymentFailed(ctx, ev)
	case "REFUND", "DID_REFUND":
		return h.handleRefund(ctx, ev)
	case "REVOKE":
		return h.handleRevoke(ctx, ev)
	default:
		logging.Infof("Unhandled App Store notification type: %s", ev.NotificationType)
		return nil
	}
}

// attribute finds the owning user of a notification through the ledger:
// the exact transaction id first, then the newest record sharing the
// original transaction id (renewals mint new ids). Both nil means the
// event cannot be attributed and is acknowledged as a no-op.
func (h *NotificationHandler) attribute(ev *lifecycleEvent) (*models.Transaction, *models.User, error) {
	var prior *models.Transaction
	var err error

	if ev.Transaction.TransactionID != "" {
		prior, err = h.ledger.Lookup(ev.Transaction.TransactionID)
		if err != nil {
			return nil, nil, err
		}
	}
	if prior == nil && ev.Transaction.OriginalTransactionID != "" {
		prior, err = h.ledger.LatestByOriginal(ev.Transaction.OriginalTransactionID)
		if err != nil {
			return nil, nil, err
		}
	}
	if prior == nil {
		logging.Infof("No ledger record matches notification - transaction: %s, original_transaction: %s",
			ev.Transaction.TransactionID, ev.Transaction.OriginalTransactionID)
		return nil, nil, nil
	}

	user, err := database.GetUserByID(prior.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		logging.Warnf("Ledger record %s points at missing user %d", prior.PlatformTransactionID, prior.UserID)
		return nil, nil, nil
	}
	return prior, user, nil
}

// handleRenewal reactivates the subscription with the platform-reported
// expiry and records the renewal transaction under its new id.
func (h *NotificationHandler) handleRenewal(ctx context.Context, ev *lifecycleEvent) error {
	prior, user, err := h.attribute(ev)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	expiry := ev.Transaction.ExpiresAt()
	if expiry == nil {
		logging.Warnf("Renewal notification without expiry - original_transaction: %s", ev.Transaction.OriginalTransactionID)
		return nil
	}

	plan := h.planFor(ev.Transaction.ProductID, user)
	if err := h.reconciler.ApplySubscription(ctx, user.ID, plan, *expiry, ev.AutoRenewOn); err != nil {
		return err
	}

	if err := h.recordRenewalRow(user, prior, ev, expiry); err != nil {
		return err
	}

	h.syncHook.Notify(services.SyncEvent{
		Event:         "entitlement.subscription",
		UserPublicID:  user.PublicID,
		Status:        models.SubscriptionActive,
		ExpiresDate:   expiry.Format(time.RFC3339),
		TransactionID: ev.Transaction.TransactionID,
	})

	logging.Infof("Subscription renewed via notification - user: %d, expires: %s", user.ID, expiry.Format(time.RFC3339))
	return nil
}

// recordRenewalRow inserts the ledger row for a renewal's new transaction
// id. A conflict means another delivery already recorded it.
func (h *NotificationHandler) recordRenewalRow(user *models.User, prior *models.Transaction, ev *lifecycleEvent, expiry *time.Time) error {
	if ev.Transaction.TransactionID == "" || ev.Transaction.TransactionID == prior.PlatformTransactionID {
		return nil
	}
	existing, err := h.ledger.Lookup(ev.Transaction.TransactionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	now := time.Now()
	quantity := ev.Transaction.Quantity
	if quantity < 1 {
		quantity = 1
	}
	productID := ev.Transaction.ProductID
	if productID == "" {
		productID = prior.ProductID
	}

	txn := &models.Transaction{
		UserID:                user.ID,
		PlatformTransactionID: ev.Transaction.TransactionID,
		OriginalTransactionID: ev.Transaction.OriginalTransactionID,
		ProductID:             productID,
		ProductType:           models.TypeSubscription,
		Platform:              prior.Platform,
		Quantity:              quantity,
		PurchaseDate:          ev.Transaction.PurchasedAt(),
		SubscriptionExpiresAt: expiry,
		SubscriptionAutoRenew: ev.AutoRenewOn,
		ValidationStatus:      models.ValidationValid,
		Processed:             true,
		ProcessedAt:           &now,
		Environment:           ev.Environment,
	}
	if err := h.ledger.Insert(txn); err != nil && !errors.Is(err, database.ErrDuplicateTransaction) {
		return err
	}
	return nil
}

// handleRenewalStatusChange records the user's auto-renew choice. Turning
// auto-renew off marks the subscription cancelled; access keeps running
// until the stored expiry, which is left untouched.
func (h *NotificationHandler) handleRenewalStatusChange(ctx context.Context, ev *lifecycleEvent) error {
	_, user, err := h.attribute(ev)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	status := models.SubscriptionCancelled
	if ev.AutoRenewOn {
		// Auto-renew turned back on: clear a previous cancellation.
		status = user.SubscriptionStatus
		if status == models.SubscriptionCancelled {
			status = models.SubscriptionActive
		}
	}

	if err := h.reconciler.SetAutoRenew(ctx, user.ID, ev.AutoRenewOn); err != nil {
		return err
	}
	if status != user.SubscriptionStatus {
		if err := h.reconciler.MarkSubscriptionStatus(ctx, user.ID, status); err != nil {
			return err
		}
	}

	h.syncHook.Notify(services.SyncEvent{
		Event:        "entitlement.subscription",
		UserPublicID: user.PublicID,
		Status:       status,
		ExpiresDate:  formatExpiry(user.SubscriptionExpiresAt),
	})

	logging.Infof("Renewal status changed - user: %d, auto_renew: %v, status: %s", user.ID, ev.AutoRenewOn, status)
	return nil
}

// handlePaymentFailed marks the profile payment_failed and tells the user
// by email. Expiry stays untouched; billing retry or expiry settles it.
func (h *NotificationHandler) handlePaymentFailed(ctx context.Context, ev *lifecycleEvent) error {
	_, user, err := h.attribute(ev)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	if err := h.reconciler.MarkSubscriptionStatus(ctx, user.ID, models.SubscriptionPaymentFailed); err != nil {
		return err
	}
	h.billing.PaymentFailed(user)

	h.syncHook.Notify(services.SyncEvent{
		Event:        "entitlement.subscription",
		UserPublicID: user.PublicID,
		Status:       models.SubscriptionPaymentFailed,
		ExpiresDate:  formatExpiry(user.SubscriptionExpiresAt),
	})

	logging.Infof("Subscription payment failed - user: %d", user.ID)
	return nil
}

// handleRefund flags the refunded ledger row and, for subscriptions,
// revokes access immediately.
func (h *NotificationHandler) handleRefund(ctx context.Context, ev *lifecycleEvent) error {
	prior, user, err := h.attribute(ev)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	refundedID := ev.Transaction.TransactionID
	if refundedID == "" {
		refundedID = prior.PlatformTransactionID
	}
	if err := h.ledger.MarkRefunded(refundedID); err != nil {
		return err
	}

	// Consumable refunds only flag the row; credit clawback belongs to the
	// matchmaking service.
	if prior.IsSubscription() {
		if err := h.reconciler.RevokeSubscription(ctx, user.ID, models.SubscriptionRefunded); err != nil {
			return err
		}
	}
	h.billing.RefundConfirmed(user)

	h.syncHook.Notify(services.SyncEvent{
		Event:         "entitlement.subscription",
		UserPublicID:  user.PublicID,
		Status:        models.SubscriptionRefunded,
		TransactionID: refundedID,
	})

	logging.Infof("Refund processed - user: %d, transaction: %s", user.ID, refundedID)
	return nil
}

// handleRevoke ends access immediately (family-sharing revocation and the
// like).
func (h *NotificationHandler) handleRevoke(ctx context.Context, ev *lifecycleEvent) error {
	_, user, err := h.attribute(ev)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	if err := h.reconciler.RevokeSubscription(ctx, user.ID, models.SubscriptionRevoked); err != nil {
		return err
	}

	h.syncHook.Notify(services.SyncEvent{
		Event:         "entitlement.subscription",
		UserPublicID:  user.PublicID,
		Status:        models.SubscriptionRevoked,
		TransactionID: ev.Transaction.TransactionID,
	})

	logging.Infof("Subscription revoked - user: %d", user.ID)
	return nil
}

// planFor resolves the subscription plan for a product id, keeping the
// user's current plan when the catalog does not know the id.
func (h *NotificationHandler) planFor(productID string, user *models.User) string {
	if productID != "" {
		if product, err := h.catalog.Resolve(productID); err == nil && product.Plan != models.PlanNone {
			return product.Plan
		}
	}
	if user.SubscriptionType != "" && user.SubscriptionType != models.PlanNone {
		return user.SubscriptionType
	}
	return models.PlanMonthly
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func msOrZero(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
