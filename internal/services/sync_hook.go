package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"purchase-api/pkg/logging"

	"github.com/google/uuid"
)

// SyncHook pushes entitlement changes to the main TableMate backend so
// the matchmaking service can drop its own caches without polling.
// Deliveries are fire-and-forget with retries; the purchase flow never
// blocks on them.
type SyncHook struct {
	callbackURL string
	secret      string
	httpClient  *http.Client
}

// NewSyncHook creates a hook. An empty callbackURL disables delivery.
func NewSyncHook(callbackURL, secret string) *SyncHook {
	return &SyncHook{
		callbackURL: callbackURL,
		secret:      secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SyncEvent is the payload delivered to the main backend.
type SyncEvent struct {
	DeliveryID    string `json:"delivery_id"`    // unique per delivery, for receiver-side dedup
	Event         string `json:"event"`          // e.g. "entitlement.credits", "entitlement.subscription"
	UserPublicID  string `json:"user_public_id"` // UUID the main backend knows the user by
	Status        string `json:"status,omitempty"`
	ExpiresDate   string `json:"expires_date,omitempty"` // ISO 8601
	TransactionID string `json:"transaction_id,omitempty"`
	Timestamp     string `json:"timestamp"` // ISO 8601
}

// Notify queues a delivery. Returns immediately; errors are logged.
func (sh *SyncHook) Notify(event SyncEvent) {
	if sh.callbackURL == "" {
		return
	}

	event.DeliveryID = uuid.NewString()
	event.Timestamp = time.Now().Format(time.RFC3339)

	go sh.sendWithRetry(event)
}

// sendWithRetry delivers with the 1s/5s/30s retry schedule.
func (sh *SyncHook) sendWithRetry(event SyncEvent) {
	retryDelays := []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}
	maxRetries := len(retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := sh.send(event)
		if err == nil {
			logging.Infof("Entitlement sync delivered - event: %s, user: %s, attempt: %d",
				event.Event, event.UserPublicID, attempt+1)
			return
		}

		logging.Errorf("Entitlement sync failed - event: %s, user: %s, attempt: %d, error: %v",
			event.Event, event.UserPublicID, attempt+1, err)

		if attempt < maxRetries-1 {
			time.Sleep(retryDelays[attempt])
		}
	}

	logging.Errorf("Entitlement sync gave up after %d attempts - event: %s, user: %s",
		maxRetries, event.Event, event.UserPublicID)
}

// send performs one delivery attempt.
func (sh *SyncHook) send(event SyncEvent) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, sh.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TableMate-PurchaseAPI/1.0")

	if sh.secret != "" {
		req.Header.Set("X-Sync-Signature", signPayload(jsonData, sh.secret))
	}

	resp, err := sh.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// signPayload generates the HMAC-SHA256 hex signature receivers verify.
func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
