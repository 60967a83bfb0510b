package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mailscope/backend/internal/models"
)

var ErrTokenNotFound = errors.New("token record not found")

type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Get retrieves the credential for (user, provider)
func (r *TokenRepository) Get(ctx context.Context, userID, provider string) (*models.TokenRecord, error) {
	var record models.TokenRecord
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", result.Error)
	}
	return &record, nil
}

// Upsert stores the credential written by the OAuth callback.
func (r *TokenRepository) Upsert(ctx context.Context, record *models.TokenRecord) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "expires_at", "scope", "updated_at",
		}),
	}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert token record: %w", result.Error)
	}
	return nil
}

// UpdateTokensIfUnchanged persists refreshed tokens with a compare-and-swap
// on updated_at. Two callers racing to refresh converge on one row update:
// the loser sees zero rows affected and re-reads the winner's token.
func (r *TokenRepository) UpdateTokensIfUnchanged(
	ctx context.Context,
	userID, provider string,
	prevUpdatedAt time.Time,
	accessToken, refreshToken string,
	expiresAt time.Time,
) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.TokenRecord{}).
		Where("user_id = ? AND provider = ? AND updated_at = ?", userID, provider, prevUpdatedAt).
		Updates(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_at":    expiresAt,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
