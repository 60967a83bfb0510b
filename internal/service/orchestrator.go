package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailscope/backend/internal/errs"
	"github.com/mailscope/backend/internal/metrics"
	"github.com/mailscope/backend/internal/models"
	"github.com/mailscope/backend/internal/repository"
)

const (
	// MaxMessagesPerUser caps how many messages one job will pull.
	MaxMessagesPerUser = 10000

	// DefaultDaysBack is the fetch window when the client does not ask for one.
	DefaultDaysBack = 365

	// CurrentCacheVersion stamps rows written by this build of the fetch
	// pipeline. Bump when the normalized shape changes so upserts overwrite
	// stale rows.
	CurrentCacheVersion = 1
)

// JobStore is the job persistence the orchestrator drives.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	GetActive(ctx context.Context, userID string, jobType models.JobType) (*models.Job, error)
	ListByUser(ctx context.Context, userID string, status models.JobStatus, limit int) ([]models.Job, error)
	AdvanceProgress(ctx context.Context, jobID string, delta int, newTotal *int) error
	UpdateMetadata(ctx context.Context, jobID string, metadata models.JobMetadata) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, errMsg string, errorCode string) error
	FailTerminal(ctx context.Context, jobID string, errMsg string, errorCode string) error
	RequestCancel(ctx context.Context, jobID string) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	Delete(ctx context.Context, jobID string) error
}

// MessageStore is the cache side the orchestrator writes into and reads from.
type MessageStore interface {
	UpsertBatch(ctx context.Context, messages []models.CachedMessage) (int, error)
	List(ctx context.Context, userID, provider string, filter repository.MessageFilter) ([]models.CachedMessage, error)
	TouchSyncState(ctx context.Context, userID, provider string, written int) error
	GetSyncState(ctx context.Context, userID, provider string) (*models.SyncState, error)
}

// TokenSource supplies valid access tokens (the vault).
type TokenSource interface {
	GetValidToken(ctx context.Context, userID, provider string) (string, error)
}

// BatchFetcher pulls message batches from the provider (the fetcher).
type BatchFetcher interface {
	FetchBatches(ctx context.Context, accessToken string, since time.Time, pageToken string, maxResults int, cancelled func(ctx context.Context) bool, onBatch BatchFunc) (int, error)
}

// SnapshotStore caches computed analytics snapshots.
type SnapshotStore interface {
	Get(ctx context.Context, userID string, lastSyncAt *time.Time) (*models.AnalyticsSnapshot, error)
	Set(ctx context.Context, userID string, lastSyncAt *time.Time, snapshot models.AnalyticsSnapshot) error
}

// Orchestrator creates, advances, and finishes jobs. All coordination goes
// through the store's atomic operations; the orchestrator itself holds no
// cross-request state.
type Orchestrator struct {
	jobs       JobStore
	messages   MessageStore
	vault      TokenSource
	fetcher    BatchFetcher
	snapshots  SnapshotStore
	maxRetries int
	logger     *zap.Logger
}

func NewOrchestrator(
	jobs JobStore,
	messages MessageStore,
	vault TokenSource,
	fetcher BatchFetcher,
	snapshots SnapshotStore,
	maxRetries int,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		jobs:       jobs,
		messages:   messages,
		vault:      vault,
		fetcher:    fetcher,
		snapshots:  snapshots,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// CreateJob validates and persists a new pending job. The store's
// unique-active constraint rejects a second active job for the same
// (user, type) slot; callers map that conflict to HTTP 409 alongside the
// existing job.
func (o *Orchestrator) CreateJob(ctx context.Context, userID string, jobType models.JobType, metadata models.JobMetadata) (*models.Job, error) {
	if userID == "" {
		return nil, errs.Validation("user_id is required")
	}
	if !models.ValidJobType(jobType) {
		return nil, errs.Validation(fmt.Sprintf("unknown job_type %q", jobType))
	}
	if metadata.DaysBack < 0 {
		return nil, errs.Validation("days_back must not be negative")
	}
	if metadata.MaxResults < 0 {
		return nil, errs.Validation("max_results must not be negative")
	}
	if metadata.DaysBack == 0 {
		metadata.DaysBack = DefaultDaysBack
	}
	if metadata.MaxResults == 0 || metadata.MaxResults > MaxMessagesPerUser {
		metadata.MaxResults = MaxMessagesPerUser
	}

	now := time.Now()
	job := &models.Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		JobType:    jobType,
		Status:     models.JobStatusPending,
		Total:      initialTotal(jobType, metadata),
		Metadata:   metadata,
		MaxRetries: o.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	metrics.JobsCreated.WithLabelValues(string(jobType)).Inc()
	o.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.String("job_type", string(jobType)))

	return job, nil
}

// initialTotal seeds the denominator polling clients see before the real
// extent is known.
func initialTotal(jobType models.JobType, metadata models.JobMetadata) int {
	switch jobType {
	case models.JobTypeComputeAnalytics:
		return 1
	case models.JobTypeFullSync:
		return metadata.MaxResults + 1
	default:
		return metadata.MaxResults
	}
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, errs.NotFound("job not found")
		}
		return nil, err
	}
	return job, nil
}

// GetActiveJob returns the currently active job for (user, type), if any.
func (o *Orchestrator) GetActiveJob(ctx context.Context, userID string, jobType models.JobType) (*models.Job, error) {
	job, err := o.jobs.GetActive(ctx, userID, jobType)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, errs.NotFound("no active job")
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns a user's jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, userID string, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return o.jobs.ListByUser(ctx, userID, status, limit)
}

// DeleteJob removes a terminal job; for an active job it requests
// cancellation instead (the owning worker observes the flag between
// batches). Deletion is always an explicit user action.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) (cancelled bool, err error) {
	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	if job.Status.Terminal() {
		if err := o.jobs.Delete(ctx, jobID); err != nil {
			if errors.Is(err, repository.ErrJobNotFound) {
				return false, errs.NotFound("job not found")
			}
			return false, err
		}
		return false, nil
	}

	if err := o.jobs.RequestCancel(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return false, errs.NotFound("job not found")
		}
		return false, err
	}
	return true, nil
}

// RunJob executes a claimed job to a terminal or requeued state. Transient
// failures re-queue under the retry budget; auth failures and cancellation
// are terminal. The returned error is informational — the job's fate is
// already persisted.
func (o *Orchestrator) RunJob(ctx context.Context, job *models.Job) error {
	o.logger.Info("running job",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("user_id", job.UserID),
		zap.Int("retry_count", job.RetryCount))

	var err error
	switch job.JobType {
	case models.JobTypeFetchMessages:
		err = o.runFetch(ctx, job)
	case models.JobTypeComputeAnalytics:
		err = o.runAnalytics(ctx, job)
	case models.JobTypeFullSync:
		if err = o.runFetch(ctx, job); err == nil {
			err = o.runAnalytics(ctx, job)
		}
	default:
		err = errs.Validation(fmt.Sprintf("unknown job_type %q", job.JobType))
	}

	if err != nil {
		return o.finishFailed(ctx, job, err)
	}

	// Cancellation observed inside a run phase leaves the job unfinished;
	// close it out here, keeping partial cache writes.
	if cancelled, cErr := o.jobs.IsCancelRequested(ctx, job.ID); cErr == nil && cancelled {
		o.logger.Info("job cancelled", zap.String("job_id", job.ID))
		metrics.JobsFailed.WithLabelValues(string(job.JobType), "cancelled").Inc()
		return o.jobs.FailTerminal(ctx, job.ID, "cancelled by user", models.ErrCodeCancelled)
	}

	if err := o.jobs.Complete(ctx, job.ID); err != nil {
		return err
	}
	metrics.JobsCompleted.WithLabelValues(string(job.JobType)).Inc()
	o.logger.Info("job completed", zap.String("job_id", job.ID))
	return nil
}

// finishFailed applies the failure policy for a run error.
func (o *Orchestrator) finishFailed(ctx context.Context, job *models.Job, runErr error) error {
	code := errs.CodeOf(runErr)

	switch code {
	case errs.CodeAuthRequired:
		// Never retried: only the user re-running consent can fix this.
		metrics.JobsFailed.WithLabelValues(string(job.JobType), "auth_required").Inc()
		o.logger.Warn("job failed, re-authorization required",
			zap.String("job_id", job.ID), zap.Error(runErr))
		if err := o.jobs.FailTerminal(ctx, job.ID, runErr.Error(), models.ErrCodeAuthRequired); err != nil {
			return err
		}
		return runErr
	case errs.CodeValidation:
		metrics.JobsFailed.WithLabelValues(string(job.JobType), "terminal").Inc()
		if err := o.jobs.FailTerminal(ctx, job.ID, runErr.Error(), string(code)); err != nil {
			return err
		}
		return runErr
	default:
		// Transient (or unclassified) failures ride the bounded re-queue.
		metrics.JobsFailed.WithLabelValues(string(job.JobType), "requeued").Inc()
		o.logger.Warn("job failed, applying retry policy",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(runErr))
		if err := o.jobs.Fail(ctx, job.ID, runErr.Error(), models.ErrCodeTransient); err != nil {
			return err
		}
		return runErr
	}
}

// runFetch pulls messages from the provider into the cache, persisting
// progress and the pagination cursor after every page so a retry resumes
// where the last attempt stopped.
func (o *Orchestrator) runFetch(ctx context.Context, job *models.Job) error {
	accessToken, err := o.vault.GetValidToken(ctx, job.UserID, Provider)
	if err != nil {
		return err
	}

	meta := job.Metadata
	since := time.Now().AddDate(0, 0, -meta.DaysBack)

	remaining := meta.MaxResults - job.Progress
	if remaining <= 0 {
		return nil
	}

	cancelled := func(ctx context.Context) bool {
		flagged, err := o.jobs.IsCancelRequested(ctx, job.ID)
		if err != nil {
			return false
		}
		return flagged
	}

	onBatch := func(ctx context.Context, batch []Message, nextPageToken string) error {
		cached := make([]models.CachedMessage, 0, len(batch))
		now := time.Now()
		for _, msg := range batch {
			cached = append(cached, models.CachedMessage{
				ID:             uuid.New().String(),
				UserID:         job.UserID,
				Provider:       Provider,
				MessageID:      msg.ID,
				ThreadID:       msg.ThreadID,
				Subject:        msg.Subject,
				FromEmail:      msg.From,
				ToEmails:       msg.To,
				InternalDate:   msg.InternalDate,
				HasAttachments: msg.HasAttachments,
				RawData: models.JSONB{
					"snippet": msg.Snippet,
					"labels":  msg.Labels,
					"headers": msg.RawHeaders,
				},
				FetchedAt:    now,
				CacheVersion: CurrentCacheVersion,
				CreatedAt:    now,
			})
		}

		written, err := o.messages.UpsertBatch(ctx, cached)
		if err != nil {
			return err
		}
		metrics.MessagesUpserted.Add(float64(written))

		if err := o.messages.TouchSyncState(ctx, job.UserID, Provider, written); err != nil {
			return err
		}
		if err := o.jobs.AdvanceProgress(ctx, job.ID, len(batch), nil); err != nil {
			return err
		}

		meta.PageToken = nextPageToken
		return o.jobs.UpdateMetadata(ctx, job.ID, meta)
	}

	fetched, err := o.fetcher.FetchBatches(ctx, accessToken, since, meta.PageToken, remaining, cancelled, onBatch)
	if err != nil {
		return err
	}

	o.logger.Info("fetch finished",
		zap.String("job_id", job.ID),
		zap.Int("fetched", fetched))
	return nil
}

// runAnalytics computes a snapshot over the whole cache and stores it keyed
// by the cache's freshness version. The read path derives the same key and
// computes over the same set, so a job-written snapshot and an on-demand one
// are interchangeable; days_back narrows the fetch window only, never the
// aggregation.
func (o *Orchestrator) runAnalytics(ctx context.Context, job *models.Job) error {
	msgs, err := o.messages.List(ctx, job.UserID, Provider, repository.MessageFilter{})
	if err != nil {
		return err
	}

	snapshot := ComputeAnalytics(msgs, job.Metadata.UserEmail)

	state, err := o.messages.GetSyncState(ctx, job.UserID, Provider)
	if err != nil {
		return err
	}
	var lastSyncAt *time.Time
	if state != nil {
		lastSyncAt = state.LastSyncAt
	}

	if o.snapshots != nil {
		if err := o.snapshots.Set(ctx, job.UserID, lastSyncAt, snapshot); err != nil {
			// The snapshot can always be recomputed; a cache write failure
			// does not fail the job.
			o.logger.Warn("failed to cache analytics snapshot",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	o.logger.Info("analytics computed",
		zap.String("job_id", job.ID),
		zap.Int("total_messages", snapshot.TotalMessages))

	return o.jobs.AdvanceProgress(ctx, job.ID, 1, nil)
}
