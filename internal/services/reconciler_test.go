package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"purchase-api/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

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
	return db
}

func createTestUser(t *testing.T, db *gorm.DB, credits int) *models.User {
	t.Helper()
	user := &models.User{
		PublicID:           uuid.NewString(),
		Email:              "diner@example.com",
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

func TestApplyCreditsAddsToCurrentTotal(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	user := createTestUser(t, db, 3)

	newTotal, err := r.ApplyCredits(context.Background(), user.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, newTotal)

	newTotal, err = r.ApplyCredits(context.Background(), user.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 9, newTotal)

	assert.Equal(t, 9, reloadUser(t, db, user.ID).RoomCredits)
}

func TestApplyCreditsRejectsNonPositiveAmount(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	user := createTestUser(t, db, 3)

	_, err := r.ApplyCredits(context.Background(), user.ID, 0)
	assert.Error(t, err)
	_, err = r.ApplyCredits(context.Background(), user.ID, -2)
	assert.Error(t, err)

	assert.Equal(t, 3, reloadUser(t, db, user.ID).RoomCredits)
}

func TestApplyCreditsUnknownUser(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)

	_, err := r.ApplyCredits(context.Background(), 9999, 1)
	assert.Error(t, err)
}

func TestApplySubscriptionStoresPlatformExpiryVerbatim(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	user := createTestUser(t, db, 0)

	expiry := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.ApplySubscription(context.Background(), user.ID, models.PlanMonthly, expiry, true))

	got := reloadUser(t, db, user.ID)
	assert.Equal(t, models.PlanMonthly, got.SubscriptionType)
	assert.Equal(t, models.SubscriptionActive, got.SubscriptionStatus)
	require.NotNil(t, got.SubscriptionExpiresAt)
	assert.Equal(t, expiry.Unix(), got.SubscriptionExpiresAt.Unix())
	assert.True(t, got.SubscriptionAutoRenew)
	assert.True(t, got.HasActiveSubscription())
}

func TestMarkSubscriptionStatusKeepsExpiry(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	user := createTestUser(t, db, 0)

	expiry := time.Now().Add(20 * 24 * time.Hour)
	require.NoError(t, r.ApplySubscription(context.Background(), user.ID, models.PlanMonthly, expiry, true))
	require.NoError(t, r.MarkSubscriptionStatus(context.Background(), user.ID, models.SubscriptionCancelled))

	got := reloadUser(t, db, user.ID)
	assert.Equal(t, models.SubscriptionCancelled, got.SubscriptionStatus)
	require.NotNil(t, got.SubscriptionExpiresAt)
	assert.Equal(t, expiry.Unix(), got.SubscriptionExpiresAt.Unix())
	// Cancelled subscriptions keep access until the paid period runs out.
	assert.True(t, got.HasActiveSubscription())
}

func TestRevokeSubscriptionEndsAccessImmediately(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	user := createTestUser(t, db, 0)

	expiry := time.Now().Add(200 * 24 * time.Hour)
	require.NoError(t, r.ApplySubscription(context.Background(), user.ID, models.PlanAnnual, expiry, true))
	require.NoError(t, r.RevokeSubscription(context.Background(), user.ID, models.SubscriptionRefunded))

	got := reloadUser(t, db, user.ID)
	assert.Equal(t, models.SubscriptionRefunded, got.SubscriptionStatus)
	require.NotNil(t, got.SubscriptionExpiresAt)
	assert.LessOrEqual(t, got.SubscriptionExpiresAt.Unix(), time.Now().Unix())
	assert.False(t, got.SubscriptionAutoRenew)
	assert.False(t, got.HasActiveSubscription())
}

func TestSetAutoRenewLeavesStatusAndExpiry(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	user := createTestUser(t, db, 0)

	expiry := time.Now().Add(10 * 24 * time.Hour)
	require.NoError(t, r.ApplySubscription(context.Background(), user.ID, models.PlanMonthly, expiry, true))
	require.NoError(t, r.SetAutoRenew(context.Background(), user.ID, false))

	got := reloadUser(t, db, user.ID)
	assert.False(t, got.SubscriptionAutoRenew)
	assert.Equal(t, models.SubscriptionActive, got.SubscriptionStatus)
	assert.Equal(t, expiry.Unix(), got.SubscriptionExpiresAt.Unix())
}

func TestEntitlementsForReturnsSnapshot(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	user := createTestUser(t, db, 7)

	expiry := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, r.ApplySubscription(context.Background(), user.ID, models.PlanMonthly, expiry, true))

	ent, err := r.EntitlementsFor(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, ent.RoomCredits)
	assert.Equal(t, models.PlanMonthly, ent.SubscriptionType)
	assert.Equal(t, models.SubscriptionActive, ent.SubscriptionStatus)
	require.NotNil(t, ent.ExpiresAt)
	assert.Equal(t, expiry.Unix(), ent.ExpiresAt.Unix())
	assert.True(t, ent.AutoRenew)
}
