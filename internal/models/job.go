package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // Waiting to be claimed by a worker
	JobStatusProcessing JobStatus = "processing" // Claimed, currently running
	JobStatusCompleted  JobStatus = "completed"  // Finished successfully
	JobStatusFailed     JobStatus = "failed"     // Failed after exhausting retries, or non-retryable
)

type JobType string

const (
	JobTypeFetchMessages    JobType = "fetch_messages"
	JobTypeComputeAnalytics JobType = "compute_analytics"
	JobTypeFullSync         JobType = "full_sync"
)

// ValidJobType reports whether t is one of the known job types.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeFetchMessages, JobTypeComputeAnalytics, JobTypeFullSync:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Machine-readable error codes surfaced to clients so the UI can
// distinguish "retry later" from "reconnect your account".
const (
	ErrCodeAuthRequired = "auth_required"
	ErrCodeTransient    = "transient"
	ErrCodeCancelled    = "cancelled"
)

// JobMetadata holds per-job parameters and the pagination cursor.
type JobMetadata struct {
	DaysBack   int    `json:"days_back,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
	PageToken  string `json:"page_token,omitempty"`
	UserEmail  string `json:"user_email,omitempty"`
}

// Value implements driver.Valuer for JobMetadata
func (m JobMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JobMetadata
func (m *JobMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = JobMetadata{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Job represents one attempt to populate a user's message cache (or compute
// analytics over it) for a time window.
type Job struct {
	ID              string      `gorm:"column:id;primaryKey" json:"id"`
	UserID          string      `gorm:"column:user_id;index" json:"user_id"`
	JobType         JobType     `gorm:"column:job_type" json:"job_type"`
	Status          JobStatus   `gorm:"column:status;index" json:"status"`
	Progress        int         `gorm:"column:progress" json:"progress"`
	Total           int         `gorm:"column:total" json:"total"`
	Metadata        JobMetadata `gorm:"column:metadata;type:jsonb" json:"metadata"`
	LastError       *string     `gorm:"column:last_error" json:"last_error,omitempty"`
	ErrorCode       *string     `gorm:"column:error_code" json:"error_code,omitempty"`
	RetryCount      int         `gorm:"column:retry_count" json:"retry_count"`
	MaxRetries      int         `gorm:"column:max_retries" json:"max_retries"`
	CancelRequested bool        `gorm:"column:cancel_requested" json:"cancel_requested"`
	CreatedAt       time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time   `gorm:"column:updated_at" json:"updated_at"`
	StartedAt       *time.Time  `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time  `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName specifies the table name for GORM
func (Job) TableName() string {
	return "jobs"
}
