package api

import (
	"errors"
	"net/http"
	"time"

	"purchase-api/internal/database"
	"purchase-api/internal/models"
	"purchase-api/internal/response"
	"purchase-api/internal/services"
	"purchase-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// RestoreRequest is the restore body. There is no claimed transaction id:
// the platform's current view of the proof is the answer.
type RestoreRequest struct {
	Platform      string `json:"platform" binding:"required,oneof=ios android"`
	ReceiptData   string `json:"receipt_data"`   // iOS
	PurchaseToken string `json:"purchase_token"` // Android
	ProductID     string `json:"product_id"`     // Android only (part of the Play API path)
}

// RestoreResult is the data payload of a restore call.
type RestoreResult struct {
	Restored           bool   `json:"restored"`
	SubscriptionType   string `json:"subscription_type,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
	ExpiresAt          string `json:"expires_at,omitempty"`
}

// RestorePurchases reconciles the caller's profile to the platform's
// current subscription state. This is the user-facing recovery path for
// device switches and for entitlements lost to a crash mid-purchase.
// POST /api/purchase/restore
func (h *PurchaseHandler) RestorePurchases(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Invalid request format: "+err.Error())
		return
	}

	var verified *services.VerifiedPurchase
	var err error
	var proof string

	if req.Platform == models.PlatformIOS {
		if req.ReceiptData == "" {
			response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "receipt_data is required for ios restore")
			return
		}
		proof = req.ReceiptData
		verified, err = h.restorer.RestoreLatest(c.Request.Context(), proof)
	} else {
		if req.PurchaseToken == "" || req.ProductID == "" {
			response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "purchase_token and product_id are required for android restore")
			return
		}
		proof = req.PurchaseToken
		verified, err = h.google.Verify(c.Request.Context(), services.VerifyInput{
			Platform:    req.Platform,
			Proof:       proof,
			ProductID:   req.ProductID,
			ProductType: models.TypeSubscription,
		})
	}

	if err != nil {
		if errors.Is(err, services.ErrNoMatchingTransaction) {
			// Nothing restorable on this receipt; not an error.
			response.SuccessJSON(c, RestoreResult{Restored: false})
			return
		}
		if services.IsUpstreamError(err) {
			response.ErrorJSON(c, http.StatusBadGateway, response.CodeUpstreamUnavailable, "Purchase verification is temporarily unavailable")
			return
		}
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeValidationFailed, "Receipt validation failed: "+err.Error())
		return
	}

	product, err := h.catalog.Resolve(verified.ProductID)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeValidationFailed, "Unknown product id: "+verified.ProductID)
		return
	}
	if product.ProductType != models.TypeSubscription {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Only subscriptions can be restored")
		return
	}

	existing, err := h.ledger.Lookup(verified.TransactionID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to check transaction")
		return
	}
	if existing != nil {
		if existing.UserID != user.ID {
			response.ErrorJSON(c, http.StatusConflict, response.CodePreviouslyRejected, "Subscription belongs to another account")
			return
		}
		if existing.ValidationStatus == models.ValidationInvalid || existing.ValidationStatus == models.ValidationRefunded {
			response.ErrorJSON(c, http.StatusConflict, response.CodePreviouslyRejected, "Subscription was previously rejected")
			return
		}
	}

	active := verified.ExpiresDate != nil && verified.ExpiresDate.After(time.Now())
	if active {
		if err := h.reconciler.ApplySubscription(c.Request.Context(), user.ID, product.Plan, *verified.ExpiresDate, verified.AutoRenew); err != nil {
			response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to apply subscription")
			return
		}
	}

	// Record the restored transaction (renewal rows missed while the app
	// was offline land here).
	if existing == nil {
		existing = &models.Transaction{
			UserID:                user.ID,
			PlatformTransactionID: verified.TransactionID,
			ProductID:             product.ProductID,
			ProductType:           models.TypeSubscription,
			Platform:              req.Platform,
			Quantity:              1,
			ValidationStatus:      models.ValidationPending,
			Proof:                 proof,
		}
		if err := h.ledger.Insert(existing); err != nil && !errors.Is(err, database.ErrDuplicateTransaction) {
			response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to record transaction")
			return
		}
	}
	fillFromVerified(existing, verified)

	var markErr error
	if active {
		markErr = h.ledger.MarkProcessed(existing)
	} else {
		markErr = h.ledger.MarkValid(existing)
	}
	if markErr != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to record transaction")
		return
	}

	logging.Infof("Restore processed - user: %d, transaction: %s, active: %v", user.ID, verified.TransactionID, active)

	result := RestoreResult{
		Restored:  active,
		ExpiresAt: formatExpiry(verified.ExpiresDate),
	}
	if active {
		result.SubscriptionType = product.Plan
		result.SubscriptionStatus = models.SubscriptionActive
	}
	response.SuccessJSON(c, result)
}
