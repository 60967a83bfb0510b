package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mailscope/backend/internal/models"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// MessageFilter narrows reads from the cache.
type MessageFilter struct {
	Since time.Time // zero means no lower bound
	Limit int       // zero means no limit
}

// UpsertBatch writes a batch of fetched messages keyed by
// (user_id, provider, message_id). Re-writing an existing message refreshes
// fetched_at; raw_data and the processed fields only change when the
// incoming cache_version is newer. Returns the number of rows newly
// inserted — re-fetched messages refresh in place without counting, so the
// sync-state counter tracks distinct cached messages.
func (r *MessageRepository) UpsertBatch(ctx context.Context, messages []models.CachedMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	existing, err := r.countExisting(ctx, messages)
	if err != nil {
		return 0, err
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}, {Name: "message_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"fetched_at":      gorm.Expr("excluded.fetched_at"),
			"raw_data":        gorm.Expr("CASE WHEN excluded.cache_version > cached_messages.cache_version THEN excluded.raw_data ELSE cached_messages.raw_data END"),
			"subject":         gorm.Expr("CASE WHEN excluded.cache_version > cached_messages.cache_version THEN excluded.subject ELSE cached_messages.subject END"),
			"from_email":      gorm.Expr("CASE WHEN excluded.cache_version > cached_messages.cache_version THEN excluded.from_email ELSE cached_messages.from_email END"),
			"to_emails":       gorm.Expr("CASE WHEN excluded.cache_version > cached_messages.cache_version THEN excluded.to_emails ELSE cached_messages.to_emails END"),
			"has_attachments": gorm.Expr("CASE WHEN excluded.cache_version > cached_messages.cache_version THEN excluded.has_attachments ELSE cached_messages.has_attachments END"),
			"cache_version":   gorm.Expr("CASE WHEN excluded.cache_version > cached_messages.cache_version THEN excluded.cache_version ELSE cached_messages.cache_version END"),
		}),
	}).Create(&messages)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to upsert messages: %w", result.Error)
	}

	return len(messages) - existing, nil
}

// countExisting counts how many rows of the batch are already cached, so the
// upsert can report only the rows it newly inserts. Grouped per
// (user_id, provider) since a batch is not required to be single-user.
func (r *MessageRepository) countExisting(ctx context.Context, messages []models.CachedMessage) (int, error) {
	type groupKey struct {
		userID   string
		provider string
	}
	groups := make(map[groupKey][]string)
	for _, m := range messages {
		k := groupKey{userID: m.UserID, provider: m.Provider}
		groups[k] = append(groups[k], m.MessageID)
	}

	existing := 0
	for k, ids := range groups {
		var n int64
		result := r.db.WithContext(ctx).Model(&models.CachedMessage{}).
			Where("user_id = ? AND provider = ? AND message_id IN ?", k.userID, k.provider, ids).
			Count(&n)
		if result.Error != nil {
			return 0, fmt.Errorf("failed to count cached messages: %w", result.Error)
		}
		existing += int(n)
	}
	return existing, nil
}

// List reads cached messages for a user, internal_date descending.
func (r *MessageRepository) List(ctx context.Context, userID, provider string, filter MessageFilter) ([]models.CachedMessage, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Order("internal_date DESC")
	if !filter.Since.IsZero() {
		q = q.Where("internal_date >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var messages []models.CachedMessage
	result := q.Find(&messages)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list messages: %w", result.Error)
	}
	return messages, nil
}

// Count returns the number of cached messages for a user.
func (r *MessageRepository) Count(ctx context.Context, userID, provider string) (int64, error) {
	var n int64
	result := r.db.WithContext(ctx).Model(&models.CachedMessage{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Count(&n)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count messages: %w", result.Error)
	}
	return n, nil
}

// TouchSyncState records a successful batch write: bumps last_sync_at and
// the running synced-message counter for the user.
func (r *MessageRepository) TouchSyncState(ctx context.Context, userID, provider string, written int) error {
	now := time.Now()
	state := models.SyncState{
		UserID:              userID,
		Provider:            provider,
		LastSyncAt:          &now,
		TotalMessagesSynced: written,
		UpdatedAt:           now,
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_sync_at":          now,
			"total_messages_synced": gorm.Expr("sync_states.total_messages_synced + ?", written),
			"updated_at":            now,
		}),
	}).Create(&state)
	if result.Error != nil {
		return fmt.Errorf("failed to update sync state: %w", result.Error)
	}
	return nil
}

// GetSyncState returns the freshness record for a user, or nil if the user
// has never synced.
func (r *MessageRepository) GetSyncState(ctx context.Context, userID, provider string) (*models.SyncState, error) {
	var state models.SyncState
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&state)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync state: %w", result.Error)
	}
	return &state, nil
}

// ListStaleSyncStates returns users whose cache has not been refreshed
// within the freshness window, oldest first. Feeds the scheduled
// incremental-sync sweep.
func (r *MessageRepository) ListStaleSyncStates(ctx context.Context, olderThan time.Duration, limit int) ([]models.SyncState, error) {
	cutoff := time.Now().Add(-olderThan)
	var states []models.SyncState
	result := r.db.WithContext(ctx).
		Where("last_sync_at < ?", cutoff).
		Order("last_sync_at ASC").
		Limit(limit).
		Find(&states)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale sync states: %w", result.Error)
	}
	return states, nil
}
