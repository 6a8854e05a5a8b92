package services

import (
	"errors"
	"strings"

	"purchase-api/internal/models"

	"gorm.io/gorm"
)

// ErrUnknownProduct is returned when a claimed product id resolves to no
// active catalog entry.
var ErrUnknownProduct = errors.New("unknown product id")

// Catalog resolves client-claimed product ids against the product table.
// Credit amounts and plan assignments are data, not code.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog creates a catalog over the given database handle.
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Resolve returns the active catalog entry for a product id. Exact match
// first; otherwise the first active entry whose matcher is a substring of
// the claimed id (clients sometimes submit platform-decorated ids).
func (c *Catalog) Resolve(productID string) (*models.Product, error) {
	var product models.Product
	err := c.db.Where("product_id = ? AND active = ?", productID, true).First(&product).Error
	if err == nil {
		return &product, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var candidates []models.Product
	if err := c.db.Where("active = ?", true).Order("id").Find(&candidates).Error; err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].Matcher != "" && strings.Contains(productID, candidates[i].Matcher) {
			return &candidates[i], nil
		}
	}

	return nil, ErrUnknownProduct
}
