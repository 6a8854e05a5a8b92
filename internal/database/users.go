package database

import (
	"errors"

	"purchase-api/internal/models"

	"gorm.io/gorm"
)

// GetUserByID fetches a user by primary key. Returns nil without error
// when no such user exists; webhook attribution treats that as a benign
// no-op.
func GetUserByID(id uint) (*models.User, error) {
	var user models.User
	err := DB.First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByPublicID fetches a user by the UUID carried in session tokens.
// Returns nil without error when no such user exists.
func GetUserByPublicID(publicID string) (*models.User, error) {
	var user models.User
	err := DB.Where("public_id = ?", publicID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}
