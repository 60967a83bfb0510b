package models

import "time"

// TokenRecord holds one provider OAuth credential per (user, provider).
// A nil RefreshToken means the user has to re-run the consent flow.
type TokenRecord struct {
	ID           string     `gorm:"column:id;primaryKey"`
	UserID       string     `gorm:"column:user_id;uniqueIndex:idx_token_user_provider"`
	Provider     string     `gorm:"column:provider;uniqueIndex:idx_token_user_provider"`
	AccessToken  string     `gorm:"column:access_token"`
	RefreshToken *string    `gorm:"column:refresh_token"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
	Scope        *string    `gorm:"column:scope"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (TokenRecord) TableName() string {
	return "token_records"
}
