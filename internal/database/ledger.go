package database

import (
	"errors"
	"fmt"
	"time"

	"purchase-api/internal/models"

	"gorm.io/gorm"
)

// ErrDuplicateTransaction is returned by Insert when a row for the same
// platform transaction id already exists. The unique index is the sole
// arbiter of first-writer-wins; callers treat this as the idempotent
// path, not as a failure.
var ErrDuplicateTransaction = errors.New("transaction already recorded")

// ErrTransactionProcessed is returned by MarkProcessed when another
// writer already claimed the processed transition for the row. Callers
// roll back their entitlement write and answer as an idempotent replay.
var ErrTransactionProcessed = errors.New("transaction already processed")

// Ledger is the durable record of every purchase attempt, keyed by the
// platform-issued transaction id. Rows are inserted for every attempt and
// never deleted.
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a ledger over the given database handle.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Lookup returns the record for a platform transaction id, or nil when
// none exists.
func (l *Ledger) Lookup(platformTransactionID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := l.db.Where("platform_transaction_id = ?", platformTransactionID).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// Insert records a purchase attempt. A unique-constraint conflict on the
// platform transaction id is reported as ErrDuplicateTransaction; any row
// found on re-lookup means another writer won the race.
func (l *Ledger) Insert(txn *models.Transaction) error {
	if err := l.db.Create(txn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateTransaction
		}
		if existing, lookupErr := l.Lookup(txn.PlatformTransactionID); lookupErr == nil && existing != nil {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("insert transaction %s: %w", txn.PlatformTransactionID, err)
	}
	return nil
}

// Save persists changes to an existing record.
func (l *Ledger) Save(txn *models.Transaction) error {
	return l.db.Save(txn).Error
}

// MarkValid transitions a record to valid with the platform-reported
// purchase details filled in.
func (l *Ledger) MarkValid(txn *models.Transaction) error {
	txn.ValidationStatus = models.ValidationValid
	return l.db.Save(txn).Error
}

// MarkProcessed records that entitlement has been applied. Called only
// after the reconciler write succeeds; a record never goes back.
func (l *Ledger) MarkProcessed(txn *models.Transaction) error {
	now := time.Now()
	txn.ValidationStatus = models.ValidationValid
	txn.Processed = true
	txn.ProcessedAt = &now
	return l.db.Save(txn).Error
}

// MarkInvalid records a rejected attempt. The row stays as the audit
// trail and blocks resubmission of the same transaction id.
func (l *Ledger) MarkInvalid(txn *models.Transaction) error {
	txn.ValidationStatus = models.ValidationInvalid
	return l.db.Save(txn).Error
}

// MarkRefunded flags the record for a refunded transaction id. Missing
// rows are not an error; webhook callers no-op on zero updates.
func (l *Ledger) MarkRefunded(platformTransactionID string) error {
	return l.db.Model(&models.Transaction{}).
		Where("platform_transaction_id = ?", platformTransactionID).
		Update("validation_status", models.ValidationRefunded).Error
}

// LatestByOriginal returns the newest record sharing an original
// transaction id, or nil when none exists. Webhooks use it to attribute
// renewal events to a user.
func (l *Ledger) LatestByOriginal(originalTransactionID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := l.db.Where("original_transaction_id = ?", originalTransactionID).
		Order("purchase_date DESC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// FindByProof returns the newest record carrying the given raw proof.
// Google RTDN notifications identify purchases by token, not order id.
func (l *Ledger) FindByProof(proof string) (*models.Transaction, error) {
	var txn models.Transaction
	err := l.db.Where("proof = ?", proof).
		Order("purchase_date DESC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// HistoryForUser returns a user's purchase attempts, newest first.
func (l *Ledger) HistoryForUser(userID uint, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var txns []models.Transaction
	err := l.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&txns).Error
	return txns, err
}
