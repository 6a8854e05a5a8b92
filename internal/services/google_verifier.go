package services

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"purchase-api/pkg/logging"

	"github.com/golang-jwt/jwt/v5"
)

const (
	googleAPIBaseURL       = "https://androidpublisher.googleapis.com"
	androidPublisherScope  = "https://www.googleapis.com/auth/androidpublisher"
	googleTokenGrantType   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	googleTokenEarlyExpiry = 60 * time.Second
)

// GoogleVerificationError represents a Google Play rejection of a
// purchase token (bad token, unpaid purchase, cancelled order).
type GoogleVerificationError struct {
	StatusCode int // HTTP status from the API, 0 for semantic rejections
	Reason     string
}

func (e *GoogleVerificationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("Google Play verification failed: HTTP %d, %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("Google Play verification failed: %s", e.Reason)
}

// GoogleVerifier checks purchase tokens against the Google Play Developer
// API. Service-account auth: an RS256-signed JWT assertion is exchanged
// for a short-lived access token, cached until shortly before expiry.
type GoogleVerifier struct {
	APIBaseURL string
	TokenURL   string

	serviceAccountEmail string
	privateKeyPEM       string
	packageName         string
	httpClient          *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewGoogleVerifier creates a verifier for one Play package. keyPEM is
// the service account's private key in PEM form.
func NewGoogleVerifier(serviceAccountEmail, keyPEM, packageName, tokenURL string) *GoogleVerifier {
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	return &GoogleVerifier{
		APIBaseURL:          googleAPIBaseURL,
		TokenURL:            tokenURL,
		serviceAccountEmail: serviceAccountEmail,
		privateKeyPEM:       keyPEM,
		packageName:         packageName,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetTimeout overrides the outbound HTTP timeout.
func (s *GoogleVerifier) SetTimeout(d time.Duration) {
	s.httpClient.Timeout = d
}

// GoogleProductPurchase mirrors a purchases.products resource.
// Millisecond timestamps arrive as strings.
type GoogleProductPurchase struct {
	Kind                 string `json:"kind"`
	PurchaseTimeMillis   string `json:"purchaseTimeMillis"`
	PurchaseState        int    `json:"purchaseState"` // 0 purchased, 1 cancelled, 2 pending
	ConsumptionState     int    `json:"consumptionState"`
	OrderID              string `json:"orderId"`
	AcknowledgementState int    `json:"acknowledgementState"`
	Quantity             int    `json:"quantity"`
}

// GoogleSubscriptionPurchase mirrors a purchases.subscriptions resource.
type GoogleSubscriptionPurchase struct {
	Kind                 string `json:"kind"`
	StartTimeMillis      string `json:"startTimeMillis"`
	ExpiryTimeMillis     string `json:"expiryTimeMillis"`
	AutoRenewing         bool   `json:"autoRenewing"`
	OrderID              string `json:"orderId"`
	PaymentState         int    `json:"paymentState"`
	CancelReason         int    `json:"cancelReason"`
	AcknowledgementState int    `json:"acknowledgementState"`
	LinkedPurchaseToken  string `json:"linkedPurchaseToken"`
}

// Verify fetches the purchase behind a token. The product id is part of
// the API path, so a mismatched claim surfaces as a 400/404 rejection
// from Google rather than a wrong-product success.
func (s *GoogleVerifier) Verify(ctx context.Context, in VerifyInput) (*VerifiedPurchase, error) {
	token, err := s.accessTokenFor(ctx)
	if err != nil {
		return nil, err
	}

	if in.ProductType == "subscription" {
		return s.verifySubscription(ctx, token, in)
	}
	return s.verifyProduct(ctx, token, in)
}

func (s *GoogleVerifier) verifyProduct(ctx context.Context, token string, in VerifyInput) (*VerifiedPurchase, error) {
	endpoint := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/products/%s/tokens/%s",
		s.APIBaseURL, s.packageName, url.PathEscape(in.ProductID), url.PathEscape(in.Proof))

	var purchase GoogleProductPurchase
	if err := s.getJSON(ctx, endpoint, token, &purchase); err != nil {
		return nil, err
	}

	if purchase.PurchaseState != 0 {
		return nil, &GoogleVerificationError{Reason: fmt.Sprintf("purchaseState=%d, not purchased", purchase.PurchaseState)}
	}

	purchaseDate, err := parseMillisString(purchase.PurchaseTimeMillis)
	if err != nil {
		return nil, fmt.Errorf("failed to parse purchase time: %w", err)
	}

	quantity := purchase.Quantity
	if quantity < 1 {
		quantity = 1
	}

	return &VerifiedPurchase{
		Platform:              "android",
		TransactionID:         purchase.OrderID,
		OriginalTransactionID: baseOrderID(purchase.OrderID),
		ProductID:             in.ProductID,
		Quantity:              quantity,
		PurchaseDate:          purchaseDate,
		Environment:           googleEnvironment(purchase.OrderID),
	}, nil
}

func (s *GoogleVerifier) verifySubscription(ctx context.Context, token string, in VerifyInput) (*VerifiedPurchase, error) {
	endpoint := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s",
		s.APIBaseURL, s.packageName, url.PathEscape(in.ProductID), url.PathEscape(in.Proof))

	var purchase GoogleSubscriptionPurchase
	if err := s.getJSON(ctx, endpoint, token, &purchase); err != nil {
		return nil, err
	}

	if purchase.ExpiryTimeMillis == "" {
		return nil, &GoogleVerificationError{Reason: "subscription has no expiry time"}
	}

	expiresDate, err := parseMillisString(purchase.ExpiryTimeMillis)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expiry time: %w", err)
	}

	purchaseDate := time.Now()
	if purchase.StartTimeMillis != "" {
		if start, err := parseMillisString(purchase.StartTimeMillis); err == nil {
			purchaseDate = start
		}
	}

	return &VerifiedPurchase{
		Platform:              "android",
		TransactionID:         purchase.OrderID,
		OriginalTransactionID: baseOrderID(purchase.OrderID),
		ProductID:             in.ProductID,
		Quantity:              1,
		PurchaseDate:          purchaseDate,
		ExpiresDate:           &expiresDate,
		AutoRenew:             purchase.AutoRenewing,
		Environment:           googleEnvironment(purchase.OrderID),
	}, nil
}

// getJSON performs an authenticated GET against the Play Developer API.
func (s *GoogleVerifier) getJSON(ctx context.Context, endpoint, token string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Platform: "google", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{Platform: "google", Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// Google rejects unknown tokens and wrong product ids here.
		return &GoogleVerificationError{StatusCode: resp.StatusCode, Reason: truncateBody(body)}
	default:
		return &UpstreamError{Platform: "google", Err: fmt.Errorf("purchases API returned HTTP %d", resp.StatusCode)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &UpstreamError{Platform: "google", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}

// accessTokenFor returns a cached access token, minting a new one when
// missing or about to expire.
func (s *GoogleVerifier) accessTokenFor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Now().Before(s.tokenExpiry.Add(-googleTokenEarlyExpiry)) {
		return s.accessToken, nil
	}

	assertion, err := s.mintAssertion(time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to sign token assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", googleTokenGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &UpstreamError{Platform: "google", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UpstreamError{Platform: "google", Err: fmt.Errorf("failed to read token response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{Platform: "google", Err: fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, truncateBody(body))}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &UpstreamError{Platform: "google", Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		return "", &UpstreamError{Platform: "google", Err: fmt.Errorf("token endpoint returned no access_token")}
	}

	s.accessToken = tokenResp.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	logging.Debugf("Minted Google Play access token, expires in %ds", tokenResp.ExpiresIn)

	return s.accessToken, nil
}

// mintAssertion builds the RS256-signed JWT the token endpoint exchanges
// for an access token.
func (s *GoogleVerifier) mintAssertion(now time.Time) (string, error) {
	rsaKey, err := parseRSAPrivateKey(s.privateKeyPEM)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"iss":   s.serviceAccountEmail,
		"scope": androidPublisherScope,
		"aud":   s.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(rsaKey)
}

// parseRSAPrivateKey accepts PKCS8 (what Google issues) and PKCS1 PEM
// blocks.
func parseRSAPrivateKey(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode service account key PEM")
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("service account key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	return rsaKey, nil
}

// baseOrderID strips the renewal suffix from a Play order id.
// "GPA.1234-5678-9012-34567..1" and its base order share a subscription.
func baseOrderID(orderID string) string {
	if idx := strings.Index(orderID, ".."); idx > 0 {
		return orderID[:idx]
	}
	return orderID
}

// googleEnvironment classifies an order as sandbox when it carries the
// test-order marker Google uses for license-tester purchases.
func googleEnvironment(orderID string) string {
	if orderID == "" || strings.HasPrefix(orderID, "GPA.3333") {
		return "sandbox"
	}
	return "production"
}

func parseMillisString(millis string) (time.Time, error) {
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)), nil
}

func truncateBody(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
