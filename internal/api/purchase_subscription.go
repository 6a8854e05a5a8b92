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

// SubscriptionResult is the data payload of a successful subscription
// purchase.
type SubscriptionResult struct {
	SubscriptionType   string `json:"subscription_type"`
	SubscriptionStatus string `json:"subscription_status"`
	ExpiresAt          string `json:"expires_at"`
}

// PurchaseSubscription processes a subscription purchase. The stored
// expiry is the platform-reported one, verbatim; it is never computed
// from the local clock.
// POST /api/purchase/subscription
func (h *PurchaseHandler) PurchaseSubscription(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Invalid request format: "+err.Error())
		return
	}
	if req.Proof() == "" {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, missingProofMessage(req.Platform))
		return
	}

	product, ok := h.resolveProduct(c, req.ProductID, models.TypeSubscription)
	if !ok {
		return
	}

	existing, err := h.ledger.Lookup(req.TransactionID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to check transaction")
		return
	}

	var txn *models.Transaction
	if existing != nil {
		switch {
		case existing.UserID != user.ID:
			response.ErrorJSON(c, http.StatusConflict, response.CodePreviouslyRejected, "Transaction belongs to another account")
			return
		case existing.ValidationStatus == models.ValidationValid:
			if user.HasActiveSubscription() {
				// Idempotent replay: entitlement already applied.
				logging.Infof("Idempotent subscription replay - user: %d, transaction: %s", user.ID, req.TransactionID)
				response.JSON(c, http.StatusOK, response.SuccessWithCode(response.CodeAlreadyProcessed, SubscriptionResult{
					SubscriptionType:   user.SubscriptionType,
					SubscriptionStatus: user.SubscriptionStatus,
					ExpiresAt:          formatExpiry(user.SubscriptionExpiresAt),
				}))
				return
			}
			// Zombie record: the row is valid but the profile never got the
			// entitlement (crash between ledger insert and profile update).
			// Re-verify for the current expiry; the stored one is stale and
			// the subscription may have renewed since.
			logging.Warnf("Zombie subscription record, re-verifying - user: %d, transaction: %s", user.ID, req.TransactionID)
			txn = existing
		case existing.ValidationStatus == models.ValidationInvalid,
			existing.ValidationStatus == models.ValidationRefunded:
			response.ErrorJSON(c, http.StatusConflict, response.CodePreviouslyRejected, "Transaction was previously rejected")
			return
		default:
			// Pending: retry on the same row, recording the current claim so
			// the audit trail names the attempt that actually verified.
			txn = existing
			txn.ProductID = product.ProductID
			txn.Proof = req.Proof()
		}
	} else {
		txn = newAttemptRecord(user.ID, product, &req)
		if err := h.ledger.Insert(txn); err != nil {
			if errors.Is(err, database.ErrDuplicateTransaction) {
				h.answerConcurrentSubscription(c, user, req.TransactionID)
				return
			}
			response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to record purchase attempt")
			return
		}
	}

	verified, err := h.verifierFor(req.Platform).Verify(c.Request.Context(), services.VerifyInput{
		Platform:      req.Platform,
		Proof:         req.Proof(),
		ProductID:     req.ProductID,
		TransactionID: req.TransactionID,
		ProductType:   product.ProductType,
	})
	if err != nil {
		// A zombie row stays valid on re-verification failure; only fresh
		// attempts get marked invalid.
		if txn.ValidationStatus == models.ValidationValid {
			if services.IsUpstreamError(err) {
				response.ErrorJSON(c, http.StatusBadGateway, response.CodeUpstreamUnavailable, "Purchase verification is temporarily unavailable")
				return
			}
			logging.Errorf("Zombie re-verification rejected - transaction: %s, error: %v", txn.PlatformTransactionID, err)
			response.ErrorJSON(c, http.StatusBadRequest, response.CodeValidationFailed, "Receipt validation failed: "+err.Error())
			return
		}
		h.rejectVerification(c, txn, err)
		return
	}

	if verified.ExpiresDate == nil {
		h.rejectVerification(c, txn, errors.New("verified purchase carries no subscription expiry"))
		return
	}

	fillFromVerified(txn, verified)
	if err := h.ledger.MarkValid(txn); err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to record transaction")
		return
	}

	if err := h.reconciler.ApplySubscription(c.Request.Context(), user.ID, product.Plan, *verified.ExpiresDate, verified.AutoRenew); err != nil {
		logging.Errorf("Failed to apply subscription - user: %d, transaction: %s, error: %v", user.ID, txn.PlatformTransactionID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to apply subscription")
		return
	}

	if err := h.ledger.MarkProcessed(txn); err != nil {
		logging.Errorf("Failed to mark transaction processed - transaction: %s, error: %v", txn.PlatformTransactionID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to finalize purchase")
		return
	}

	logging.Infof("Subscription purchase processed - user: %d, transaction: %s, plan: %s, expires: %s",
		user.ID, txn.PlatformTransactionID, product.Plan, verified.ExpiresDate.Format(time.RFC3339))

	response.SuccessJSON(c, SubscriptionResult{
		SubscriptionType:   product.Plan,
		SubscriptionStatus: models.SubscriptionActive,
		ExpiresAt:          verified.ExpiresDate.Format(time.RFC3339),
	})
}

// answerConcurrentSubscription resolves an insert conflict: another
// request for the same transaction id won the race. A valid row owned
// by the caller answers as an idempotent replay with the subscription
// state the winner applied.
func (h *PurchaseHandler) answerConcurrentSubscription(c *gin.Context, user *models.User, transactionID string) {
	existing, err := h.ledger.Lookup(transactionID)
	if err != nil || existing == nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to check transaction")
		return
	}
	if existing.UserID == user.ID && existing.ValidationStatus == models.ValidationValid {
		ents, err := h.reconciler.EntitlementsFor(c.Request.Context(), user.ID)
		if err != nil {
			response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to load entitlements")
			return
		}
		response.JSON(c, http.StatusOK, response.SuccessWithCode(response.CodeAlreadyProcessed, SubscriptionResult{
			SubscriptionType:   ents.SubscriptionType,
			SubscriptionStatus: ents.SubscriptionStatus,
			ExpiresAt:          formatExpiry(ents.ExpiresAt),
		}))
		return
	}
	response.ErrorJSON(c, http.StatusConflict, response.CodePreviouslyRejected, "Transaction is already being processed")
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
