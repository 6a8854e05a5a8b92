package models

import "time"

// AppStoreNotificationWrapper represents the outer wrapper of App Store Server Notification V2
// Apple sends notifications as a JWT in the signedPayload field
type AppStoreNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"` // JWS containing the actual notification
}

// AppStoreNotification represents App Store Server Notification V2
// This is the decoded content from the signedPayload JWS
// Apple uses camelCase for field names
type AppStoreNotification struct {
	NotificationType string           `json:"notificationType"` // e.g., "DID_RENEW", "REFUND"
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"` // Unique notification ID, replay key
	DataVersion      string           `json:"version"`
	SignedDate       int64            `json:"signedDate"` // ms since epoch
	Data             NotificationData `json:"data"`
}

// NotificationData contains notification data
// Apple uses camelCase for field names
type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"`           // "Sandbox" or "Production"
	SignedTransactionInfo string `json:"signedTransactionInfo"` // JWS containing transaction info
	SignedRenewalInfo     string `json:"signedRenewalInfo"`     // JWS containing renewal info
}

// TransactionInfo is the decoded transaction payload of a notification,
// normalized from either the V2 signedTransactionInfo claims or a V1
// unified-receipt entry. Timestamps stay in Apple's ms-since-epoch form;
// use the accessor methods for time.Time values.
type TransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	Quantity              int    `json:"quantity"`
	PurchaseDateMS        int64  `json:"purchaseDate"`
	ExpiresDateMS         int64  `json:"expiresDate"`
	RevocationDateMS      int64  `json:"revocationDate"`
	Environment           string `json:"environment"`
}

// RenewalInfo is the decoded renewal payload (V2 signedRenewalInfo, or
// synthesized from the V1 auto_renew_status field).
type RenewalInfo struct {
	AutoRenewStatus    int    `json:"autoRenewStatus"` // 1 = will renew
	AutoRenewProductID string `json:"autoRenewProductId"`
	ExpirationIntent   int    `json:"expirationIntent"`
}

// PurchasedAt converts the purchase timestamp.
func (ti *TransactionInfo) PurchasedAt() time.Time {
	return msToTime(ti.PurchaseDateMS)
}

// ExpiresAt converts the expiry timestamp, nil when absent.
func (ti *TransactionInfo) ExpiresAt() *time.Time {
	if ti.ExpiresDateMS == 0 {
		return nil
	}
	t := msToTime(ti.ExpiresDateMS)
	return &t
}

// RevokedAt converts the revocation timestamp, nil when absent.
func (ti *TransactionInfo) RevokedAt() *time.Time {
	if ti.RevocationDateMS == 0 {
		return nil
	}
	t := msToTime(ti.RevocationDateMS)
	return &t
}

func msToTime(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond))
}

// LegacyServerNotification is the version 1 (statusUpdateNotification)
// body Apple posts for apps still configured for V1, and the shape the
// TableMate client backend originally consumed. Field names are
// snake_case in V1.
type LegacyServerNotification struct {
	NotificationType string         `json:"notification_type"`
	Environment      string         `json:"environment"`
	Password         string         `json:"password"`
	AutoRenewStatus  string         `json:"auto_renew_status"` // "true" / "false"
	UnifiedReceipt   UnifiedReceipt `json:"unified_receipt"`
}

// UnifiedReceipt carries the receipt entries of a V1 notification.
type UnifiedReceipt struct {
	Environment        string               `json:"environment"`
	LatestReceiptInfo  []LegacyReceiptInfo  `json:"latest_receipt_info"`
	PendingRenewalInfo []PendingRenewalInfo `json:"pending_renewal_info"`
}

// LegacyReceiptInfo is one purchase entry of a V1 unified receipt.
// Timestamps are ms-since-epoch strings.
type LegacyReceiptInfo struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	Quantity              string `json:"quantity"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

// PendingRenewalInfo is one renewal entry of a V1 unified receipt.
type PendingRenewalInfo struct {
	AutoRenewStatus       string `json:"auto_renew_status"` // "1" / "0"
	AutoRenewProductID    string `json:"auto_renew_product_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpirationIntent      string `json:"expiration_intent"`
}
