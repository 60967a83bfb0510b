package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mailscope/backend/internal/errs"
	"github.com/mailscope/backend/internal/models"
	"github.com/mailscope/backend/internal/repository"
)

// RefreshAhead is how long before expiry a token is refreshed rather than
// handed out. Keeps a fetch burst from starting on a token about to die.
const RefreshAhead = 10 * time.Minute

// TokenStore is the credential persistence the vault needs.
type TokenStore interface {
	Get(ctx context.Context, userID, provider string) (*models.TokenRecord, error)
	UpdateTokensIfUnchanged(ctx context.Context, userID, provider string, prevUpdatedAt time.Time, accessToken, refreshToken string, expiresAt time.Time) (bool, error)
}

// TokenRefresher is the provider's token endpoint.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// TokenVault owns OAuth credential validity for one provider. It hands out
// access tokens, refreshing opportunistically, and guarantees concurrent
// callers converge on a single refresh: in-process via singleflight, across
// processes via a compare-and-swap on the row's updated_at.
type TokenVault struct {
	tokens    TokenStore
	refresher TokenRefresher
	logger    *zap.Logger
	group     singleflight.Group
	now       func() time.Time
}

func NewTokenVault(tokens TokenStore, refresher TokenRefresher, logger *zap.Logger) *TokenVault {
	return &TokenVault{
		tokens:    tokens,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// GetValidToken returns an access token guaranteed not to expire within the
// refresh-ahead window. A missing record or revoked grant surfaces as an
// auth-required error, which the job layer never retries.
func (v *TokenVault) GetValidToken(ctx context.Context, userID, provider string) (string, error) {
	record, err := v.tokens.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return "", errs.AuthRequired(fmt.Sprintf("no credential on file for user %s", userID), err)
		}
		return "", errs.Transient("failed to read token record", err)
	}

	if v.fresh(record) {
		return record.AccessToken, nil
	}

	if record.RefreshToken == nil {
		return "", errs.AuthRequired("access token expired and no refresh token on file", nil)
	}

	token, err, _ := v.group.Do(userID+":"+provider, func() (interface{}, error) {
		return v.refresh(ctx, userID, provider)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// fresh reports whether the stored access token is still safely usable.
func (v *TokenVault) fresh(record *models.TokenRecord) bool {
	if record.AccessToken == "" || record.ExpiresAt == nil {
		return false
	}
	return record.ExpiresAt.After(v.now().Add(RefreshAhead))
}

// refresh performs one refresh call and persists the outcome with a CAS on
// updated_at. Losing the CAS means another process already refreshed; the
// stored token is re-read and reused instead of refreshed again.
func (v *TokenVault) refresh(ctx context.Context, userID, provider string) (string, error) {
	// Re-read under the flight: a concurrent caller may have refreshed
	// while this one waited.
	record, err := v.tokens.Get(ctx, userID, provider)
	if err != nil {
		return "", errs.Transient("failed to re-read token record", err)
	}
	if v.fresh(record) {
		return record.AccessToken, nil
	}
	if record.RefreshToken == nil {
		return "", errs.AuthRequired("access token expired and no refresh token on file", nil)
	}

	result, err := v.refresher.RefreshToken(ctx, *record.RefreshToken)
	if err != nil {
		// The provider client already classified the failure.
		return "", err
	}

	updated, err := v.tokens.UpdateTokensIfUnchanged(ctx, userID, provider,
		record.UpdatedAt, result.AccessToken, result.RefreshToken, result.ExpiresAt)
	if err != nil {
		return "", errs.Transient("failed to persist refreshed token", err)
	}
	if !updated {
		// Lost the cross-process race; use the winner's token.
		current, err := v.tokens.Get(ctx, userID, provider)
		if err != nil {
			return "", errs.Transient("failed to read token after refresh race", err)
		}
		v.logger.Debug("token refresh raced, using stored token",
			zap.String("user_id", userID))
		return current.AccessToken, nil
	}

	v.logger.Info("access token refreshed",
		zap.String("user_id", userID),
		zap.Time("expires_at", result.ExpiresAt))

	return result.AccessToken, nil
}
