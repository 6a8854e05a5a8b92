package api

import (
	"errors"
	"net/http"

	"purchase-api/internal/database"
	"purchase-api/internal/models"
	"purchase-api/internal/response"
	"purchase-api/internal/services"
	"purchase-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PurchaseRequest is the body shared by the credits and subscription
// endpoints. TransactionID carries the Apple transaction id or the Google
// order id; the matching proof field is required per platform.
type PurchaseRequest struct {
	Platform      string `json:"platform" binding:"required,oneof=ios android"`
	ProductID     string `json:"product_id" binding:"required"`
	TransactionID string `json:"transaction_id" binding:"required"`
	ReceiptData   string `json:"receipt_data"`   // iOS: base64 receipt
	PurchaseToken string `json:"purchase_token"` // Android: purchase token
}

// Proof returns the platform-appropriate proof, empty when missing.
func (r *PurchaseRequest) Proof() string {
	if r.Platform == models.PlatformIOS {
		return r.ReceiptData
	}
	return r.PurchaseToken
}

// CreditsResult is the data payload of a successful credits purchase.
type CreditsResult struct {
	CreditsAdded int `json:"credits_added"`
	NewTotal     int `json:"new_total"`
}

// PurchaseCredits processes a consumable purchase: ledger dedup, platform
// verification, credit application, then ledger completion.
// POST /api/purchase/credits
func (h *PurchaseHandler) PurchaseCredits(c *gin.Context) {
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

	product, ok := h.resolveProduct(c, req.ProductID, models.TypeConsumable)
	if !ok {
		return
	}

	// Ledger short-circuit before any platform call.
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
			// Idempotent replay: already credited, answer with current totals.
			ents, err := h.reconciler.EntitlementsFor(c.Request.Context(), user.ID)
			if err != nil {
				response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to load entitlements")
				return
			}
			logging.Infof("Idempotent credits replay - user: %d, transaction: %s", user.ID, req.TransactionID)
			response.JSON(c, http.StatusOK, response.SuccessWithCode(response.CodeAlreadyProcessed, CreditsResult{
				CreditsAdded: 0,
				NewTotal:     ents.RoomCredits,
			}))
			return
		case existing.ValidationStatus == models.ValidationInvalid,
			existing.ValidationStatus == models.ValidationRefunded:
			response.ErrorJSON(c, http.StatusConflict, response.CodePreviouslyRejected, "Transaction was previously rejected")
			return
		}
		// Pending: a prior attempt stopped before verification, retry on
		// the same row, recording the current claim so the audit trail
		// names the attempt that actually verified.
		txn = existing
		txn.ProductID = product.ProductID
		txn.Proof = req.Proof()
	} else {
		txn = newAttemptRecord(user.ID, product, &req)
		if err := h.ledger.Insert(txn); err != nil {
			if errors.Is(err, database.ErrDuplicateTransaction) {
				h.answerConcurrentSubmission(c, user, req.TransactionID)
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
		h.rejectVerification(c, txn, err)
		return
	}

	fillFromVerified(txn, verified)
	if err := h.ledger.MarkValid(txn); err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to record transaction")
		return
	}

	amount := product.Credits * verified.Quantity
	newTotal, err := h.reconciler.ApplyCredits(c.Request.Context(), user.ID, amount)
	if err != nil {
		logging.Errorf("Failed to apply credits - user: %d, transaction: %s, error: %v", user.ID, txn.PlatformTransactionID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to apply credits")
		return
	}

	if err := h.ledger.MarkProcessed(txn); err != nil {
		// Credits are applied; the valid row already blocks re-crediting.
		logging.Errorf("Failed to mark transaction processed - transaction: %s, error: %v", txn.PlatformTransactionID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to finalize purchase")
		return
	}

	logging.Infof("Credits purchase processed - user: %d, transaction: %s, credits: %d, total: %d",
		user.ID, txn.PlatformTransactionID, amount, newTotal)

	response.SuccessJSON(c, CreditsResult{CreditsAdded: amount, NewTotal: newTotal})
}

// answerConcurrentSubmission resolves an insert conflict: another request
// for the same transaction id won the race. The unique index is the sole
// arbiter; a conflict answers like an idempotent replay, not an error.
func (h *PurchaseHandler) answerConcurrentSubmission(c *gin.Context, user *models.User, transactionID string) {
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
		response.JSON(c, http.StatusOK, response.SuccessWithCode(response.CodeAlreadyProcessed, CreditsResult{
			CreditsAdded: 0,
			NewTotal:     ents.RoomCredits,
		}))
		return
	}
	response.ErrorJSON(c, http.StatusConflict, response.CodePreviouslyRejected, "Transaction is already being processed")
}

// currentUser returns the authenticated user set by the middleware,
// responding Unauthenticated when absent.
func currentUser(c *gin.Context) *models.User {
	v, exists := c.Get("user")
	if !exists {
		response.ErrorJSON(c, http.StatusUnauthorized, response.CodeUnauthenticated, "Authentication required")
		c.Abort()
		return nil
	}
	user, ok := v.(*models.User)
	if !ok {
		response.ErrorJSON(c, http.StatusUnauthorized, response.CodeUnauthenticated, "Authentication required")
		c.Abort()
		return nil
	}
	return user
}

// resolveProduct resolves a claimed product id and checks its type,
// answering the request itself on failure.
func (h *PurchaseHandler) resolveProduct(c *gin.Context, productID, wantType string) (*models.Product, bool) {
	product, err := h.catalog.Resolve(productID)
	if err != nil {
		if errors.Is(err, services.ErrUnknownProduct) {
			response.ErrorJSON(c, http.StatusBadRequest, response.CodeValidationFailed, "Unknown product id: "+productID)
			return nil, false
		}
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to resolve product")
		return nil, false
	}
	if product.ProductType != wantType {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Product "+product.ProductID+" is not a "+wantType)
		return nil, false
	}
	return product, true
}

// verifierFor picks the platform verifier.
func (h *PurchaseHandler) verifierFor(platform string) services.ReceiptVerifier {
	if platform == models.PlatformAndroid {
		return h.google
	}
	return h.apple
}

// rejectVerification answers a failed platform verification. Rejections
// mark the attempt invalid; transport failures keep it pending so a
// retry can still verify it.
func (h *PurchaseHandler) rejectVerification(c *gin.Context, txn *models.Transaction, err error) {
	if services.IsUpstreamError(err) {
		logging.Errorf("Verification unavailable - transaction: %s, error: %v", txn.PlatformTransactionID, err)
		response.ErrorJSON(c, http.StatusBadGateway, response.CodeUpstreamUnavailable, "Purchase verification is temporarily unavailable")
		return
	}

	if markErr := h.ledger.MarkInvalid(txn); markErr != nil {
		logging.Errorf("Failed to record invalid transaction %s: %v", txn.PlatformTransactionID, markErr)
	}
	logging.Infof("Purchase rejected - transaction: %s, reason: %v", txn.PlatformTransactionID, err)
	response.ErrorJSON(c, http.StatusBadRequest, response.CodeValidationFailed, "Receipt validation failed: "+err.Error())
}

// newAttemptRecord builds the pending ledger row inserted before the
// platform is consulted, so every attempt leaves an audit trail.
func newAttemptRecord(userID uint, product *models.Product, req *PurchaseRequest) *models.Transaction {
	return &models.Transaction{
		UserID:                userID,
		PlatformTransactionID: req.TransactionID,
		ProductID:             product.ProductID,
		ProductType:           product.ProductType,
		Platform:              req.Platform,
		Quantity:              1,
		ValidationStatus:      models.ValidationPending,
		Proof:                 req.Proof(),
	}
}

// fillFromVerified copies the platform-reported purchase facts onto the
// ledger row. Timestamps and expiry always come from the platform.
func fillFromVerified(txn *models.Transaction, v *services.VerifiedPurchase) {
	txn.OriginalTransactionID = v.OriginalTransactionID
	txn.PurchaseDate = v.PurchaseDate
	txn.Quantity = v.Quantity
	txn.SubscriptionExpiresAt = v.ExpiresDate
	txn.SubscriptionAutoRenew = v.AutoRenew
	txn.Environment = v.Environment
}

func missingProofMessage(platform string) string {
	if platform == models.PlatformIOS {
		return "receipt_data is required for ios purchases"
	}
	return "purchase_token is required for android purchases"
}
