package models

import "time"

// CachedMessage is one immutable provider message, normalized. Identity is
// (user_id, provider, message_id); re-fetching the same message refreshes
// raw_data/fetched_at but never duplicates a row.
type CachedMessage struct {
	ID             string     `gorm:"column:id;primaryKey" json:"id"`
	UserID         string     `gorm:"column:user_id;uniqueIndex:idx_msg_identity" json:"user_id"`
	Provider       string     `gorm:"column:provider;uniqueIndex:idx_msg_identity" json:"provider"`
	MessageID      string     `gorm:"column:message_id;uniqueIndex:idx_msg_identity" json:"message_id"`
	ThreadID       string     `gorm:"column:thread_id" json:"thread_id"`
	Subject        string     `gorm:"column:subject" json:"subject"`
	FromEmail      string     `gorm:"column:from_email;index" json:"from_email"`
	ToEmails       StringList `gorm:"column:to_emails;type:jsonb" json:"to_emails"`
	InternalDate   time.Time  `gorm:"column:internal_date;index" json:"internal_date"`
	HasAttachments bool       `gorm:"column:has_attachments" json:"has_attachments"`
	RawData        JSONB      `gorm:"column:raw_data;type:jsonb" json:"raw_data,omitempty"`
	FetchedAt      time.Time  `gorm:"column:fetched_at" json:"fetched_at"`
	CacheVersion   int        `gorm:"column:cache_version" json:"cache_version"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
}

// TableName specifies the table name for GORM
func (CachedMessage) TableName() string {
	return "cached_messages"
}

// SyncState tracks per-user cache freshness, updated after each successful
// batch write. Read clients use LastSyncAt to decide whether cached data is
// fresh enough without re-fetching.
type SyncState struct {
	UserID              string     `gorm:"column:user_id;primaryKey" json:"user_id"`
	Provider            string     `gorm:"column:provider;primaryKey" json:"provider"`
	LastSyncAt          *time.Time `gorm:"column:last_sync_at" json:"last_sync_at,omitempty"`
	TotalMessagesSynced int        `gorm:"column:total_messages_synced" json:"total_messages_synced"`
	UpdatedAt           time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (SyncState) TableName() string {
	return "sync_states"
}
