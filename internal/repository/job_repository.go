package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mailscope/backend/internal/errs"
	"github.com/mailscope/backend/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job. The partial unique index on (user_id, job_type)
// over active statuses makes the duplicate check atomic: a second active job
// for the same slot fails with a conflict instead of racing a pre-check.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	result := r.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return errs.Conflict(fmt.Sprintf("a %s job is already active for user %s", job.JobType, job.UserID))
		}
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return &job, nil
}

// GetActive returns the pending or processing job for (user, type), if any.
func (r *JobRepository) GetActive(ctx context.Context, userID string, jobType models.JobType) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND job_type = ? AND status IN ?",
			userID, jobType, []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}).
		First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get active job: %w", result.Error)
	}
	return &job, nil
}

// ListByUser returns a user's jobs, newest first, optionally filtered by status.
func (r *JobRepository) ListByUser(ctx context.Context, userID string, status models.JobStatus, limit int) ([]models.Job, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var jobs []models.Job
	result := q.Order("created_at DESC").Limit(limit).Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, nil
}

// ClaimNextPending atomically transitions the oldest pending job to
// processing and stamps started_at. The conditional update ("claim if still
// pending") guarantees at most one worker ever owns a given job; a lost race
// just means trying the next candidate.
func (r *JobRepository) ClaimNextPending(ctx context.Context) (*models.Job, error) {
	for {
		var job models.Job
		result := r.db.WithContext(ctx).
			Where("status = ?", models.JobStatusPending).
			Order("created_at ASC").
			First(&job)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to query pending jobs: %w", result.Error)
		}

		now := time.Now()
		claim := r.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusPending).
			Updates(map[string]interface{}{
				"status":     models.JobStatusProcessing,
				"started_at": now,
				"updated_at": now,
			})
		if claim.Error != nil {
			return nil, fmt.Errorf("failed to claim job: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			// Another worker got there first.
			continue
		}

		job.Status = models.JobStatusProcessing
		job.StartedAt = &now
		job.UpdatedAt = now
		return &job, nil
	}
}

// AdvanceProgress increments progress monotonically and optionally raises
// total. Deltas must be positive; regression is rejected before touching the
// store.
func (r *JobRepository) AdvanceProgress(ctx context.Context, jobID string, delta int, newTotal *int) error {
	if delta < 0 {
		return errs.Validation("progress delta must not be negative")
	}
	updates := map[string]interface{}{
		"progress":   gorm.Expr("progress + ?", delta),
		"updated_at": time.Now(),
	}
	if newTotal != nil {
		updates["total"] = *newTotal
	}

	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to advance progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateMetadata persists the pagination cursor so an interrupted job can
// resume where it left off.
func (r *JobRepository) UpdateMetadata(ctx context.Context, jobID string, metadata models.JobMetadata) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"metadata":   metadata,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update metadata: %w", result.Error)
	}
	return nil
}

// Complete marks a job as completed and stamps completed_at. Total is pinned
// to the final progress so polling clients read 100%.
func (r *JobRepository) Complete(ctx context.Context, jobID string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCompleted,
			"total":        gorm.Expr("progress"),
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Fail applies the retry policy: while retry_count < max_retries the job is
// returned to pending with the counter bumped; past the budget it becomes
// terminally failed. Both paths are single conditional updates scoped to
// status=processing, so a worker whose job was requeued out from under it
// gets ErrJobNotFound instead of rewriting a row it no longer owns.
func (r *JobRepository) Fail(ctx context.Context, jobID string, errMsg string, errorCode string) error {
	now := time.Now()

	requeue := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", jobID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":      models.JobStatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errMsg,
			"error_code":  errorCode,
			"started_at":  nil,
			"updated_at":  now,
		})
	if requeue.Error != nil {
		return fmt.Errorf("failed to requeue job: %w", requeue.Error)
	}
	if requeue.RowsAffected > 0 {
		return nil
	}

	return r.FailTerminal(ctx, jobID, errMsg, errorCode)
}

// FailTerminal sets failed regardless of remaining retry budget. Used for
// auth errors and cancellation, which re-running cannot fix. Only a
// processing row qualifies: a worker that lost ownership (its job requeued
// by the stale sweep, possibly re-claimed) must not be able to kill the row.
func (r *JobRepository) FailTerminal(ctx context.Context, jobID string, errMsg string, errorCode string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.JobStatusFailed,
			"last_error":   errMsg,
			"error_code":   errorCode,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to fail job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RequestCancel flags an active job for cancellation. The owning worker
// observes the flag between batches and exits cleanly.
func (r *JobRepository) RequestCancel(ctx context.Context, jobID string) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", jobID, []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to request cancellation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// IsCancelRequested reads the cancellation flag for a job.
func (r *JobRepository) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var job models.Job
	result := r.db.WithContext(ctx).Select("cancel_requested").First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", result.Error)
	}
	return job.CancelRequested, nil
}

// Delete removes a terminal job. Active jobs are never deleted.
func (r *JobRepository) Delete(ctx context.Context, jobID string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", jobID, []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed}).
		Delete(&models.Job{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RequeueStale returns jobs stuck in processing longer than the visibility
// window to pending, counting the interruption against the retry budget.
// Catches workers that crashed mid-job. Staleness keys on updated_at, which
// every progress/metadata write stamps: a healthy long run heartbeats with
// each batch, so only a run that stopped writing gets evicted.
func (r *JobRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	requeued := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND updated_at < ? AND retry_count < max_retries", models.JobStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":      models.JobStatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  "worker lost ownership (stale processing)",
			"error_code":  models.ErrCodeTransient,
			"started_at":  nil,
			"updated_at":  time.Now(),
		})
	if requeued.Error != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", requeued.Error)
	}

	exhausted := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND updated_at < ?", models.JobStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":       models.JobStatusFailed,
			"last_error":   "worker lost ownership (stale processing)",
			"error_code":   models.ErrCodeTransient,
			"completed_at": time.Now(),
			"updated_at":   time.Now(),
		})
	if exhausted.Error != nil {
		return requeued.RowsAffected, fmt.Errorf("failed to fail exhausted stale jobs: %w", exhausted.Error)
	}

	return requeued.RowsAffected + exhausted.RowsAffected, nil
}
