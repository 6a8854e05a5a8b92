package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"purchase-api/internal/models"
	"purchase-api/internal/response"
	"purchase-api/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func subscriptionRequest(transactionID, productID string) map[string]interface{} {
	return map[string]interface{}{
		"platform":       "ios",
		"product_id":     productID,
		"transaction_id": transactionID,
		"receipt_data":   "base64-receipt",
	}
}

func TestPurchaseSubscriptionStoresPlatformExpiry(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)
	expiry := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	verifier := &stubVerifier{purchase: verifiedSubscription("T1", expiry)}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.monthly"))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, models.PlanMonthly, dataField(t, resp, "subscription_type"))
	assert.Equal(t, models.SubscriptionActive, dataField(t, resp, "subscription_status"))
	assert.Equal(t, expiry.Format(time.RFC3339), dataField(t, resp, "expires_at"))

	got := reloadUser(t, db, user.ID)
	assert.Equal(t, models.PlanMonthly, got.SubscriptionType)
	require.NotNil(t, got.SubscriptionExpiresAt)
	// Expiry is the platform-reported value verbatim.
	assert.Equal(t, expiry.Unix(), got.SubscriptionExpiresAt.Unix())
	assert.True(t, got.SubscriptionAutoRenew)

	txn := findTxn(t, db, "T1")
	require.NotNil(t, txn)
	assert.True(t, txn.Processed)
	require.NotNil(t, txn.SubscriptionExpiresAt)
	assert.Equal(t, expiry.Unix(), txn.SubscriptionExpiresAt.Unix())
}

func TestPurchaseSubscriptionIdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	verifier := &stubVerifier{purchase: verifiedSubscription("T1", expiry)}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.monthly"))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.monthly"))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, response.CodeAlreadyProcessed, resp.Code)
	assert.Equal(t, 1, verifier.calls)
}

func TestPurchaseSubscriptionConcurrentDuplicateAnswersIdempotently(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)
	expiry := time.Now().Add(30 * 24 * time.Hour)

	// A racing request for the same transaction wins between this
	// handler's lookup and its insert: the winner's row lands valid and
	// processed with the entitlement applied. Simulated by slipping the
	// winner in from a create callback.
	raced := false
	err := db.Callback().Create().Before("gorm:create").Register("winning_race", func(tx *gorm.DB) {
		txn, ok := tx.Statement.Dest.(*models.Transaction)
		if !ok || raced || txn.PlatformTransactionID != "S1" {
			return
		}
		raced = true
		now := time.Now()
		winner := &models.Transaction{
			UserID:                user.ID,
			PlatformTransactionID: "S1",
			OriginalTransactionID: "S1",
			ProductID:             "com.tablemate.premium.monthly",
			ProductType:           models.TypeSubscription,
			Platform:              models.PlatformIOS,
			Quantity:              1,
			PurchaseDate:          now,
			SubscriptionExpiresAt: &expiry,
			ValidationStatus:      models.ValidationValid,
			Processed:             true,
			ProcessedAt:           &now,
			Proof:                 "base64-receipt",
		}
		if err := db.Create(winner).Error; err != nil {
			t.Errorf("racing insert failed: %v", err)
		}
		if err := db.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"subscription_type":       models.PlanMonthly,
			"subscription_status":     models.SubscriptionActive,
			"subscription_expires_at": expiry,
			"subscription_auto_renew": true,
		}).Error; err != nil {
			t.Errorf("racing entitlement update failed: %v", err)
		}
	})
	require.NoError(t, err)

	verifier := &stubVerifier{purchase: verifiedSubscription("S1", expiry)}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	// The loser's insert conflicts; it answers like an idempotent replay
	// with the winner's subscription state, not an error.
	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("S1", "com.tablemate.premium.monthly"))
	require.True(t, raced)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, response.CodeAlreadyProcessed, resp.Code)
	assert.Equal(t, models.PlanMonthly, dataField(t, resp, "subscription_type"))
	assert.Equal(t, models.SubscriptionActive, dataField(t, resp, "subscription_status"))
	assert.Equal(t, 0, verifier.calls)
}

func TestPurchaseSubscriptionPendingRetryRecordsCurrentClaim(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)
	verifier := &stubVerifier{err: &services.UpstreamError{Platform: "apple", Err: errors.New("connection refused")}}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.monthly"))
	require.Equal(t, http.StatusBadGateway, w.Code)

	// The retry corrects the claimed product and carries a fresh receipt;
	// the audit row reflects the attempt that actually verified.
	expiry := time.Now().Add(365 * 24 * time.Hour)
	purchase := verifiedSubscription("T1", expiry)
	purchase.ProductID = "com.tablemate.premium.annual"
	verifier.err = nil
	verifier.purchase = purchase
	body := subscriptionRequest("T1", "com.tablemate.premium.annual")
	body["receipt_data"] = "base64-receipt-fresh"
	w = doJSON(t, r, http.MethodPost, "/api/purchase/subscription", body)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, models.PlanAnnual, reloadUser(t, db, user.ID).SubscriptionType)
	txn := findTxn(t, db, "T1")
	require.NotNil(t, txn)
	assert.Equal(t, "com.tablemate.premium.annual", txn.ProductID)
	assert.Equal(t, "base64-receipt-fresh", txn.Proof)
}

func TestPurchaseSubscriptionZombieRowReverifies(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)

	// A valid row whose entitlement never reached the profile (crash
	// between ledger write and profile update).
	staleExpiry := time.Now().Add(-10 * 24 * time.Hour)
	zombie := &models.Transaction{
		UserID:                user.ID,
		PlatformTransactionID: "T1",
		OriginalTransactionID: "T1",
		ProductID:             "com.tablemate.premium.monthly",
		ProductType:           models.TypeSubscription,
		Platform:              models.PlatformIOS,
		Quantity:              1,
		PurchaseDate:          time.Now().Add(-40 * 24 * time.Hour),
		SubscriptionExpiresAt: &staleExpiry,
		ValidationStatus:      models.ValidationValid,
	}
	require.NoError(t, db.Create(zombie).Error)

	// The platform now reports a renewed, current expiry.
	currentExpiry := time.Now().Add(20 * 24 * time.Hour)
	verifier := &stubVerifier{purchase: verifiedSubscription("T1", currentExpiry)}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.monthly"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, verifier.calls)

	got := reloadUser(t, db, user.ID)
	assert.Equal(t, models.SubscriptionActive, got.SubscriptionStatus)
	require.NotNil(t, got.SubscriptionExpiresAt)
	// The stale stored expiry is never reused.
	assert.Equal(t, currentExpiry.Unix(), got.SubscriptionExpiresAt.Unix())

	txn := findTxn(t, db, "T1")
	assert.True(t, txn.Processed)
}

func TestPurchaseSubscriptionZombieReverifyFailureKeepsRowValid(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)

	staleExpiry := time.Now().Add(-10 * 24 * time.Hour)
	zombie := &models.Transaction{
		UserID:                user.ID,
		PlatformTransactionID: "T1",
		OriginalTransactionID: "T1",
		ProductID:             "com.tablemate.premium.monthly",
		ProductType:           models.TypeSubscription,
		Platform:              models.PlatformIOS,
		Quantity:              1,
		SubscriptionExpiresAt: &staleExpiry,
		ValidationStatus:      models.ValidationValid,
	}
	require.NoError(t, db.Create(zombie).Error)

	verifier := &stubVerifier{err: &services.AppleVerificationError{Status: 21010}}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.monthly"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	// The previously-verified row is not downgraded by a failed re-check.
	txn := findTxn(t, db, "T1")
	assert.Equal(t, models.ValidationValid, txn.ValidationStatus)
}

func TestPurchaseSubscriptionWithoutExpiryRejected(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)
	purchase := verifiedSubscription("T1", time.Now())
	purchase.ExpiresDate = nil
	verifier := &stubVerifier{purchase: purchase}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.monthly"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeValidationFailed, decodeResponse(t, w).Code)

	txn := findTxn(t, db, "T1")
	require.NotNil(t, txn)
	assert.Equal(t, models.ValidationInvalid, txn.ValidationStatus)
	assert.Equal(t, models.SubscriptionInactive, reloadUser(t, db, user.ID).SubscriptionStatus)
}

func TestPurchaseSubscriptionAnnualPlan(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, 0)
	expiry := time.Now().Add(365 * 24 * time.Hour)
	purchase := verifiedSubscription("T1", expiry)
	purchase.ProductID = "com.tablemate.premium.annual"
	verifier := &stubVerifier{purchase: purchase}
	r := purchaseRouter(db, newTestPurchaseHandler(db, verifier, nil), user.ID)

	w := doJSON(t, r, http.MethodPost, "/api/purchase/subscription", subscriptionRequest("T1", "com.tablemate.premium.annual"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PlanAnnual, reloadUser(t, db, user.ID).SubscriptionType)
}
