package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"purchase-api/internal/database"
	"purchase-api/internal/models"
	"purchase-api/internal/response"
	"purchase-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// stubVerifier is a canned ReceiptVerifier for endpoint tests.
type stubVerifier struct {
	purchase *services.VerifiedPurchase
	err      error
	calls    int
	lastIn   services.VerifyInput
}

func (s *stubVerifier) Verify(ctx context.Context, in services.VerifyInput) (*services.VerifiedPurchase, error) {
	s.calls++
	s.lastIn = in
	if s.err != nil {
		return nil, s.err
	}
	p := *s.purchase
	return &p, nil
}

// stubRestorer is a canned ReceiptRestorer.
type stubRestorer struct {
	purchase *services.VerifiedPurchase
	err      error
	calls    int
}

func (s *stubRestorer) RestoreLatest(ctx context.Context, proof string) (*services.VerifiedPurchase, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	p := *s.purchase
	return &p, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Transaction{}, &models.Product{}))
	seedTestCatalog(t, db)
	return db
}

func seedTestCatalog(t *testing.T, db *gorm.DB) {
	t.Helper()
	products := []models.Product{
		{ProductID: "com.tablemate.single_credit", Matcher: "single_credit", ProductType: models.TypeConsumable, Credits: 1, Active: true},
		{ProductID: "com.tablemate.credit_pack_5", Matcher: "credit_pack", ProductType: models.TypeConsumable, Credits: 5, Active: true},
		{ProductID: "com.tablemate.premium.monthly", Matcher: "premium.monthly", ProductType: models.TypeSubscription, Plan: models.PlanMonthly, Active: true},
		{ProductID: "com.tablemate.premium.annual", Matcher: "premium.annual", ProductType: models.TypeSubscription, Plan: models.PlanAnnual, Active: true},
	}
	for i := range products {
		require.NoError(t, db.Create(&products[i]).Error)
	}
}

// useGlobalDB points the package-level handle at the test database for
// code paths that go through database.GetUserByID.
func useGlobalDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	prev := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prev })
}

func createUser(t *testing.T, db *gorm.DB, credits int) *models.User {
	t.Helper()
	user := &models.User{
		PublicID:           uuid.NewString(),
		Email:              "diner@example.com",
		DisplayName:        "Diner",
		RoomCredits:        credits,
		SubscriptionType:   models.PlanNone,
		SubscriptionStatus: models.SubscriptionInactive,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func reloadUser(t *testing.T, db *gorm.DB, id uint) *models.User {
	t.Helper()
	var user models.User
	require.NoError(t, db.First(&user, id).Error)
	return &user
}

func findTxn(t *testing.T, db *gorm.DB, platformTxnID string) *models.Transaction {
	t.Helper()
	var txn models.Transaction
	err := db.Where("platform_transaction_id = ?", platformTxnID).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(t, err)
	return &txn
}

func newTestPurchaseHandler(db *gorm.DB, verifier *stubVerifier, restorer *stubRestorer) *PurchaseHandler {
	return NewPurchaseHandler(
		database.NewLedger(db),
		services.NewReconciler(db),
		services.NewCatalog(db),
		verifier,
		verifier,
		restorer,
	)
}

func newTestNotificationHandler(t *testing.T, db *gorm.DB, google services.ReceiptVerifier) *NotificationHandler {
	t.Helper()
	useGlobalDB(t, db)

	jws, err := services.NewJWSVerifier("", false)
	require.NoError(t, err)
	replay := services.NewReplayProtection(nil)
	t.Cleanup(replay.Stop)

	return NewNotificationHandler(
		database.NewLedger(db),
		services.NewReconciler(db),
		services.NewCatalog(db),
		google,
		jws,
		replay,
		services.NewBillingNotifier("", "", ""),
		services.NewSyncHook("", ""),
	)
}

// purchaseRouter mounts the purchase endpoints behind an identity stub
// that reloads the user per request, like the real middleware.
func purchaseRouter(db *gorm.DB, h *PurchaseHandler, userID uint) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		var user models.User
		if err := db.First(&user, userID).Error; err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set("user_id", user.ID)
		c.Set("user", &user)
	})
	r.POST("/api/purchase/credits", h.PurchaseCredits)
	r.POST("/api/purchase/subscription", h.PurchaseSubscription)
	r.POST("/api/purchase/restore", h.RestorePurchases)
	r.GET("/api/purchase/entitlements", h.GetEntitlements)
	r.GET("/api/purchase/history", h.GetHistory)
	return r
}

func notificationRouter(h *NotificationHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/appstore/notifications", h.HandleAppStoreNotification)
	r.POST("/api/googleplay/notifications", h.HandleGooglePlayNotification)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func dataField(t *testing.T, resp response.Response, key string) interface{} {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "response data is not an object")
	return data[key]
}

func verifiedCredit(txnID string) *services.VerifiedPurchase {
	return &services.VerifiedPurchase{
		Platform:              models.PlatformIOS,
		TransactionID:         txnID,
		OriginalTransactionID: txnID,
		ProductID:             "com.tablemate.single_credit",
		Quantity:              1,
		PurchaseDate:          time.Now(),
		Environment:           "production",
	}
}

func verifiedSubscription(txnID string, expiry time.Time) *services.VerifiedPurchase {
	return &services.VerifiedPurchase{
		Platform:              models.PlatformIOS,
		TransactionID:         txnID,
		OriginalTransactionID: txnID,
		ProductID:             "com.tablemate.premium.monthly",
		Quantity:              1,
		PurchaseDate:          time.Now(),
		ExpiresDate:           &expiry,
		AutoRenew:             true,
		Environment:           "production",
	}
}
