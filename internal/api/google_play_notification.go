package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"purchase-api/internal/database"
	"purchase-api/internal/models"
	"purchase-api/internal/services"
	"purchase-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// pubSubEnvelope is the Pub/Sub push wrapper around a Real-Time Developer
// Notification.
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"` // base64-encoded JSON
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// rtdnPayload is the decoded developer notification.
type rtdnPayload struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// Google Play RTDN subscription notification types.
const (
	rtdnSubscriptionRecovered = 1
	rtdnSubscriptionRenewed   = 2
	rtdnSubscriptionCanceled  = 3
	rtdnSubscriptionPurchased = 4
	rtdnSubscriptionOnHold    = 5
	rtdnSubscriptionInGrace   = 6
	rtdnSubscriptionRestarted = 7
	rtdnSubscriptionRevoked   = 12
	rtdnSubscriptionExpired   = 13
)

// HandleGooglePlayNotification ingests Google Play RTDN deliveries.
// Benign conditions ack with 200; store or upstream failures return 500
// so Pub/Sub redelivers.
// POST /api/googleplay/notifications
func (h *NotificationHandler) HandleGooglePlayNotification(c *gin.Context) {
	var envelope pubSubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"received": false})
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		// Undecodable data will never decode; acking stops the redelivery
		// loop.
		logging.Errorf("Failed to decode RTDN message data: %v", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var rtdn rtdnPayload
	if err := json.Unmarshal(decoded, &rtdn); err != nil {
		logging.Errorf("Failed to parse RTDN payload: %v", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if rtdn.TestNotification != nil {
		logging.Infof("Google Play test notification acknowledged")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	sn := rtdn.SubscriptionNotification
	if sn == nil || sn.PurchaseToken == "" {
		// One-time product events are driven by the client's purchase call.
		logging.Infof("RTDN without subscription notification acknowledged")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if h.replay.IsReplay(c.Request.Context(), envelope.Message.MessageID, 0) {
		logging.Infof("Duplicate RTDN acknowledged - message_id: %s", envelope.Message.MessageID)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	// Attribute via the stored proof: RTDN identifies purchases by token,
	// not order id.
	prior, err := h.ledger.FindByProof(sn.PurchaseToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"received": false})
		return
	}
	if prior == nil {
		logging.Infof("No ledger record for purchase token, RTDN acknowledged - type: %d", sn.NotificationType)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	user, err := database.GetUserByID(prior.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"received": false})
		return
	}
	if user == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	status, err := h.dispatchPlayEvent(c.Request.Context(), sn.NotificationType, sn.SubscriptionID, sn.PurchaseToken, prior, user)
	if err != nil {
		if services.IsUpstreamError(err) {
			// Google unreachable: 500 so Pub/Sub redelivers once it is back.
			logging.Errorf("RTDN re-verification unavailable: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"received": false})
			return
		}
		logging.Errorf("Failed to process RTDN - type: %d, error: %v", sn.NotificationType, err)
		c.JSON(http.StatusInternalServerError, gin.H{"received": false})
		return
	}

	logging.Infof("Google Play notification processed - type: %d, user: %d, status: %s", sn.NotificationType, user.ID, status)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// dispatchPlayEvent applies the lifecycle transition for an RTDN type and
// returns the resulting subscription status for logging.
func (h *NotificationHandler) dispatchPlayEvent(ctx context.Context, notificationType int, subscriptionID, purchaseToken string, prior *models.Transaction, user *models.User) (string, error) {
	switch notificationType {
	case rtdnSubscriptionRecovered, rtdnSubscriptionRenewed, rtdnSubscriptionRestarted:
		return h.handlePlayRenewal(ctx, subscriptionID, purchaseToken, prior, user)

	case rtdnSubscriptionCanceled:
		if err := h.reconciler.SetAutoRenew(ctx, user.ID, false); err != nil {
			return "", err
		}
		if err := h.reconciler.MarkSubscriptionStatus(ctx, user.ID, models.SubscriptionCancelled); err != nil {
			return "", err
		}
		h.notifySubscriptionSync(user, models.SubscriptionCancelled, user.SubscriptionExpiresAt, "")
		return models.SubscriptionCancelled, nil

	case rtdnSubscriptionOnHold, rtdnSubscriptionInGrace:
		if err := h.reconciler.MarkSubscriptionStatus(ctx, user.ID, models.SubscriptionPaymentFailed); err != nil {
			return "", err
		}
		h.billing.PaymentFailed(user)
		h.notifySubscriptionSync(user, models.SubscriptionPaymentFailed, user.SubscriptionExpiresAt, "")
		return models.SubscriptionPaymentFailed, nil

	case rtdnSubscriptionRevoked:
		if err := h.ledger.MarkRefunded(prior.PlatformTransactionID); err != nil {
			return "", err
		}
		if err := h.reconciler.RevokeSubscription(ctx, user.ID, models.SubscriptionRevoked); err != nil {
			return "", err
		}
		h.billing.RefundConfirmed(user)
		h.notifySubscriptionSync(user, models.SubscriptionRevoked, nil, prior.PlatformTransactionID)
		return models.SubscriptionRevoked, nil

	case rtdnSubscriptionExpired:
		if err := h.reconciler.MarkSubscriptionStatus(ctx, user.ID, models.SubscriptionInactive); err != nil {
			return "", err
		}
		h.notifySubscriptionSync(user, models.SubscriptionInactive, user.SubscriptionExpiresAt, "")
		return models.SubscriptionInactive, nil

	case rtdnSubscriptionPurchased:
		// Initial purchases are credited by the client's purchase call.
		return user.SubscriptionStatus, nil

	default:
		logging.Infof("Unhandled RTDN type: %d", notificationType)
		return user.SubscriptionStatus, nil
	}
}

// handlePlayRenewal re-verifies the token for the current expiry and
// reactivates the subscription. The stored expiry is never reused: time
// has passed since the row was written.
func (h *NotificationHandler) handlePlayRenewal(ctx context.Context, subscriptionID, purchaseToken string, prior *models.Transaction, user *models.User) (string, error) {
	productID := subscriptionID
	if productID == "" {
		productID = prior.ProductID
	}

	verified, err := h.google.Verify(ctx, services.VerifyInput{
		Platform:    models.PlatformAndroid,
		Proof:       purchaseToken,
		ProductID:   productID,
		ProductType: models.TypeSubscription,
	})
	if err != nil {
		if services.IsUpstreamError(err) {
			return "", err
		}
		// Google rejected the token; nothing to reactivate.
		logging.Warnf("RTDN renewal token rejected - token prefix: %.12s, error: %v", purchaseToken, err)
		return user.SubscriptionStatus, nil
	}
	if verified.ExpiresDate == nil {
		logging.Warnf("RTDN renewal without expiry - product: %s", productID)
		return user.SubscriptionStatus, nil
	}

	plan := h.planFor(productID, user)
	if err := h.reconciler.ApplySubscription(ctx, user.ID, plan, *verified.ExpiresDate, verified.AutoRenew); err != nil {
		return "", err
	}

	// Renewals mint a new order id; record it if unseen.
	if verified.TransactionID != "" && verified.TransactionID != prior.PlatformTransactionID {
		existing, err := h.ledger.Lookup(verified.TransactionID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			now := time.Now()
			txn := &models.Transaction{
				UserID:                user.ID,
				PlatformTransactionID: verified.TransactionID,
				OriginalTransactionID: verified.OriginalTransactionID,
				ProductID:             prior.ProductID,
				ProductType:           models.TypeSubscription,
				Platform:              models.PlatformAndroid,
				Quantity:              1,
				PurchaseDate:          verified.PurchaseDate,
				SubscriptionExpiresAt: verified.ExpiresDate,
				SubscriptionAutoRenew: verified.AutoRenew,
				ValidationStatus:      models.ValidationValid,
				Processed:             true,
				ProcessedAt:           &now,
				Environment:           verified.Environment,
				Proof:                 purchaseToken,
			}
			if err := h.ledger.Insert(txn); err != nil && !errors.Is(err, database.ErrDuplicateTransaction) {
				return "", err
			}
		}
	}

	h.notifySubscriptionSync(user, models.SubscriptionActive, verified.ExpiresDate, verified.TransactionID)
	return models.SubscriptionActive, nil
}

// notifySubscriptionSync pushes a subscription change to the main backend.
func (h *NotificationHandler) notifySubscriptionSync(user *models.User, status string, expiresAt *time.Time, transactionID string) {
	h.syncHook.Notify(services.SyncEvent{
		Event:         "entitlement.subscription",
		UserPublicID:  user.PublicID,
		Status:        status,
		ExpiresDate:   formatExpiry(expiresAt),
		TransactionID: transactionID,
	})
}
