package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoMatchingTransaction is returned when a receipt verifies but none
// of its purchase entries can be tied to the claimed transaction id.
// Guessing an entry risks crediting the wrong purchase, so verification
// fails closed instead.
var ErrNoMatchingTransaction = errors.New("no purchase entry matches the claimed transaction")

// VerifyInput carries the client-claimed purchase facts to a verifier.
// The claims are untrusted; the platform response is authoritative.
type VerifyInput struct {
	Platform      string // ios or android
	Proof         string // base64 receipt data (ios) or purchase token (android)
	ProductID     string // client-claimed product id
	TransactionID string // client-claimed Apple transaction id or Google order id
	ProductType   string // consumable or subscription, selects the Google endpoint
}

// VerifiedPurchase is the normalized result of a successful platform
// verification. All timestamps are platform-reported.
type VerifiedPurchase struct {
	Platform              string
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	Quantity              int
	PurchaseDate          time.Time
	ExpiresDate           *time.Time
	AutoRenew             bool
	Environment           string // production or sandbox
	LatestReceipt         string // refreshed proof when the platform returns one
}

// ReceiptVerifier checks a purchase proof against its platform of origin.
// Implementations make no local state changes; persistence belongs to the
// caller.
type ReceiptVerifier interface {
	Verify(ctx context.Context, in VerifyInput) (*VerifiedPurchase, error)
}

// ReceiptRestorer verifies a proof without a claimed transaction id and
// returns the newest subscription entry it contains. Used by the restore
// flow, where the platform-reported state is the answer rather than a
// specific purchase claim.
type ReceiptRestorer interface {
	RestoreLatest(ctx context.Context, proof string) (*VerifiedPurchase, error)
}

// AppleVerificationError represents Apple verification error
type AppleVerificationError struct {
	Status int
}

func (e *AppleVerificationError) Error() string {
	return fmt.Sprintf("Apple verification failed with status: %d", e.Status)
}

// ProductMismatchError is returned when the verified purchase entry names
// a different product than the client claimed.
type ProductMismatchError struct {
	Claimed  string
	Verified string
}

func (e *ProductMismatchError) Error() string {
	return fmt.Sprintf("product id mismatch: claimed %s, receipt says %s", e.Claimed, e.Verified)
}

// UpstreamError wraps transport failures reaching a platform API. It is
// distinct from a rejection: the purchase could not be checked at all.
type UpstreamError struct {
	Platform string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s verification unavailable: %v", e.Platform, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstreamError reports whether err is a transport-level verification
// failure rather than a platform rejection.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
