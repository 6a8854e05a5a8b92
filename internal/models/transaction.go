package models

import (
	"time"
)

// Validation status values for Transaction.ValidationStatus.
const (
	ValidationPending  = "pending"
	ValidationValid    = "valid"
	ValidationInvalid  = "invalid"
	ValidationRefunded = "refunded"
)

// Product type values shared by Transaction and Product.
const (
	TypeConsumable   = "consumable"
	TypeSubscription = "subscription"
)

// Purchase platform values.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// Transaction is the ledger row for one platform purchase event. Rows are
// inserted for every attempt, valid or not, and never deleted.
// PlatformTransactionID carries the unique constraint that serializes
// processing: at most one row per Apple transaction id / Google order id,
// and entitlement is applied at most once per row.
type Transaction struct {
	BaseModel

	UserID uint `json:"user_id" gorm:"not null;index"`

	// Platform identifiers. OriginalTransactionID ties renewals to the
	// subscription's first purchase and is how webhooks find the user.
	PlatformTransactionID string `json:"platform_transaction_id" gorm:"not null;size:100;uniqueIndex"`
	OriginalTransactionID string `json:"original_transaction_id" gorm:"size:100;index"`

	ProductID   string `json:"product_id" gorm:"size:100"`
	ProductType string `json:"product_type" gorm:"not null;size:20;index"` // consumable or subscription
	Platform    string `json:"platform" gorm:"size:20;default:'ios'"`      // ios or android
	Quantity    int    `json:"quantity" gorm:"default:1"`

	// Platform-reported timestamps. Expiry always comes from the
	// verification response, never from local clock arithmetic.
	PurchaseDate          time.Time  `json:"purchase_date"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at"`
	SubscriptionAutoRenew bool       `json:"subscription_auto_renew"`

	ValidationStatus string     `json:"validation_status" gorm:"not null;size:20;default:'pending';index"`
	Processed        bool       `json:"processed" gorm:"default:false"`
	ProcessedAt      *time.Time `json:"processed_at"`

	Environment string `json:"environment" gorm:"size:20"` // sandbox or production

	// Raw proof (base64 receipt or purchase token), kept for audit and
	// re-validation.
	Proof string `json:"-" gorm:"type:text"`
}

// TableName specifies the table name
func (Transaction) TableName() string {
	return "transactions"
}

// IsSubscription reports whether the row records a subscription purchase.
func (t *Transaction) IsSubscription() bool {
	return t.ProductType == TypeSubscription
}
