package models

import (
	"time"
)

// Subscription plan values for User.SubscriptionType.
const (
	PlanNone    = "none"
	PlanMonthly = "monthly"
	PlanAnnual  = "annual"
)

// Subscription status values for User.SubscriptionStatus.
const (
	SubscriptionInactive      = "inactive"
	SubscriptionActive        = "active"
	SubscriptionCancelled     = "cancelled"
	SubscriptionPaymentFailed = "payment_failed"
	SubscriptionRefunded      = "refunded"
	SubscriptionRevoked       = "revoked"
)

// User holds the entitlement-bearing subset of a TableMate account.
// Profile fields owned by the main backend (preferences, avatar, match
// history) live elsewhere; this service only reads identity and writes
// entitlements.
type User struct {
	BaseModel

	PublicID    string `json:"public_id" gorm:"not null;size:36;uniqueIndex"` // UUID carried in session tokens
	Email       string `json:"email" gorm:"size:255;index"`
	DisplayName string `json:"display_name" gorm:"size:100"`

	// Entitlement state. RoomCredits only grows here; spending happens in
	// the matchmaking service.
	RoomCredits           int        `json:"room_credits" gorm:"not null;default:0"`
	SubscriptionType      string     `json:"subscription_type" gorm:"size:20;default:'none'"`
	SubscriptionStatus    string     `json:"subscription_status" gorm:"size:20;default:'inactive';index"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at"`
	SubscriptionAutoRenew bool       `json:"subscription_auto_renew"`
}

// TableName specifies the table name
func (User) TableName() string {
	return "users"
}

// HasActiveSubscription reports whether the stored subscription grants
// access right now. Cancelled subscriptions keep access until expiry.
func (u *User) HasActiveSubscription() bool {
	if u.SubscriptionExpiresAt == nil {
		return false
	}
	switch u.SubscriptionStatus {
	case SubscriptionActive, SubscriptionCancelled:
		return u.SubscriptionExpiresAt.After(time.Now())
	default:
		return false
	}
}
