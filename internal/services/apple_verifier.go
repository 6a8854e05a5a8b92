package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"purchase-api/pkg/logging"
)

const (
	appleProductionVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"
	appleSandboxVerifyURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// Apple status 21007: production endpoint received a sandbox receipt.
	appleStatusSandboxReceipt = 21007
)

// AppleVerifier checks receipts against Apple's verifyReceipt endpoint.
// The client cannot know which environment signed a receipt, so
// verification always tries production first and falls back to sandbox on
// status 21007.
type AppleVerifier struct {
	ProductionURL string
	SandboxURL    string

	sharedSecret string
	httpClient   *http.Client
}

// NewAppleVerifier creates a verifier using the app-specific shared
// secret from App Store Connect.
func NewAppleVerifier(sharedSecret string) *AppleVerifier {
	return &AppleVerifier{
		ProductionURL: appleProductionVerifyURL,
		SandboxURL:    appleSandboxVerifyURL,
		sharedSecret:  sharedSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetTimeout overrides the outbound HTTP timeout.
func (s *AppleVerifier) SetTimeout(d time.Duration) {
	s.httpClient.Timeout = d
}

// appleReceiptEntry is one purchase entry in a verifyReceipt response.
// Timestamps are ms-since-epoch strings.
type appleReceiptEntry struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	Quantity              string `json:"quantity"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

// AppleReceiptResponse represents Apple receipt verification response
type AppleReceiptResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	Receipt     struct {
		ReceiptType        string              `json:"receipt_type"`
		BundleID           string              `json:"bundle_id"`
		ApplicationVersion string              `json:"application_version"`
		InApp              []appleReceiptEntry `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo  []appleReceiptEntry `json:"latest_receipt_info"`
	PendingRenewalInfo []json.RawMessage   `json:"pending_renewal_info"`
	LatestReceipt      string              `json:"latest_receipt"`
}

// Verify submits the receipt to Apple and locates the entry for the
// claimed transaction id. Match order: latest_receipt_info by transaction
// id, then in_app, then latest_receipt_info by original transaction id
// (renewals mint new ids; the newest entry wins). No match fails closed.
func (s *AppleVerifier) Verify(ctx context.Context, in VerifyInput) (*VerifiedPurchase, error) {
	appleResp, err := s.verifyWithFallback(ctx, in.Proof)
	if err != nil {
		return nil, err
	}

	entry := matchReceiptEntry(appleResp, in.TransactionID)
	if entry == nil {
		return nil, ErrNoMatchingTransaction
	}

	if entry.ProductID != in.ProductID {
		return nil, &ProductMismatchError{Claimed: in.ProductID, Verified: entry.ProductID}
	}

	return purchaseFromEntry(entry, appleResp)
}

// RestoreLatest verifies a receipt and returns its newest subscription
// entry. The restore flow carries no claimed transaction id; the newest
// platform-reported subscription state is what the profile reconciles to.
func (s *AppleVerifier) RestoreLatest(ctx context.Context, proof string) (*VerifiedPurchase, error) {
	appleResp, err := s.verifyWithFallback(ctx, proof)
	if err != nil {
		return nil, err
	}

	var newest *appleReceiptEntry
	var newestTS int64
	for i := range appleResp.LatestReceiptInfo {
		entry := &appleResp.LatestReceiptInfo[i]
		if entry.ExpiresDateMS == "" {
			continue // consumables are not restorable
		}
		ts := int64(0)
		fmt.Sscanf(entry.PurchaseDateMS, "%d", &ts)
		if newest == nil || ts > newestTS {
			newest = entry
			newestTS = ts
		}
	}
	if newest == nil {
		return nil, ErrNoMatchingTransaction
	}

	return purchaseFromEntry(newest, appleResp)
}

// verifyWithFallback runs the mandatory production-then-sandbox dance.
func (s *AppleVerifier) verifyWithFallback(ctx context.Context, proof string) (*AppleReceiptResponse, error) {
	appleResp, err := s.verifyWithApple(ctx, proof, s.ProductionURL)
	if err != nil {
		appleErr, ok := err.(*AppleVerificationError)
		if !ok || appleErr.Status != appleStatusSandboxReceipt {
			return nil, err
		}
		logging.Infof("Receipt is from sandbox, retrying with sandbox URL")
		appleResp, err = s.verifyWithApple(ctx, proof, s.SandboxURL)
		if err != nil {
			return nil, err
		}
	}
	return appleResp, nil
}

// purchaseFromEntry normalizes one receipt entry.
func purchaseFromEntry(entry *appleReceiptEntry, resp *AppleReceiptResponse) (*VerifiedPurchase, error) {
	purchaseDate, err := parseAppleTimestamp(entry.PurchaseDateMS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse purchase date: %w", err)
	}

	var expiresDate *time.Time
	if entry.ExpiresDateMS != "" {
		expires, err := parseAppleTimestamp(entry.ExpiresDateMS)
		if err != nil {
			return nil, fmt.Errorf("failed to parse expires date: %w", err)
		}
		expiresDate = &expires
	}

	quantity := 1
	if entry.Quantity != "" {
		if _, err := fmt.Sscanf(entry.Quantity, "%d", &quantity); err != nil || quantity < 1 {
			quantity = 1
		}
	}

	return &VerifiedPurchase{
		Platform:              "ios",
		TransactionID:         entry.TransactionID,
		OriginalTransactionID: entry.OriginalTransactionID,
		ProductID:             entry.ProductID,
		Quantity:              quantity,
		PurchaseDate:          purchaseDate,
		ExpiresDate:           expiresDate,
		AutoRenew:             expiresDate != nil, // refined by server notifications
		Environment:           strings.ToLower(resp.Environment),
		LatestReceipt:         resp.LatestReceipt,
	}, nil
}

// verifyWithApple posts the receipt to one verifyReceipt endpoint.
func (s *AppleVerifier) verifyWithApple(ctx context.Context, receiptData, url string) (*AppleReceiptResponse, error) {
	requestBody := map[string]interface{}{
		"receipt-data":             receiptData,
		"exclude-old-transactions": true,
	}
	if s.sharedSecret != "" {
		requestBody["password"] = s.sharedSecret
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Platform: "apple", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Platform: "apple", Err: fmt.Errorf("verifyReceipt returned HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Platform: "apple", Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var appleResp AppleReceiptResponse
	if err := json.Unmarshal(body, &appleResp); err != nil {
		return nil, &UpstreamError{Platform: "apple", Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	// Check status
	if appleResp.Status != 0 {
		return nil, &AppleVerificationError{Status: appleResp.Status}
	}

	return &appleResp, nil
}

// matchReceiptEntry locates the purchase entry for a claimed transaction
// id. Returns nil when nothing matches; callers must not guess.
func matchReceiptEntry(resp *AppleReceiptResponse, transactionID string) *appleReceiptEntry {
	for i := range resp.LatestReceiptInfo {
		if resp.LatestReceiptInfo[i].TransactionID == transactionID {
			return &resp.LatestReceiptInfo[i]
		}
	}

	for i := range resp.Receipt.InApp {
		if resp.Receipt.InApp[i].TransactionID == transactionID {
			return &resp.Receipt.InApp[i]
		}
	}

	// Renewals mint new transaction ids sharing the original. Take the
	// newest entry for the original id the client purchased under.
	var newest *appleReceiptEntry
	var newestTS int64
	for i := range resp.LatestReceiptInfo {
		entry := &resp.LatestReceiptInfo[i]
		if entry.OriginalTransactionID != transactionID {
			continue
		}
		ts := int64(0)
		fmt.Sscanf(entry.PurchaseDateMS, "%d", &ts)
		if newest == nil || ts > newestTS {
			newest = entry
			newestTS = ts
		}
	}
	return newest
}

// parseAppleTimestamp parses Apple timestamp (milliseconds since epoch)
func parseAppleTimestamp(timestampStr string) (time.Time, error) {
	if timestampStr == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	var timestamp int64
	if _, err := fmt.Sscanf(timestampStr, "%d", &timestamp); err != nil {
		return time.Time{}, err
	}
	return time.Unix(timestamp/1000, (timestamp%1000)*1000000), nil
}
