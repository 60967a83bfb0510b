package watcher

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mailscope/backend/internal/config"
	"github.com/mailscope/backend/internal/models"
	"github.com/mailscope/backend/internal/service"
)

const (
	// staleAfter is how long a processing job may go without writing any
	// progress before it is assumed orphaned by a crashed worker and
	// requeued.
	staleAfter = 15 * time.Minute

	// refreshEvery is the cache freshness window driving scheduled
	// incremental syncs.
	refreshEvery = 24 * time.Hour

	// claimBudget bounds how many jobs one tick will run back to back.
	claimBudget = 10
)

// JobClaimer is the claim-side surface of the job repository.
type JobClaimer interface {
	ClaimNextPending(ctx context.Context) (*models.Job, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StaleSyncLister finds users whose caches want a refresh.
type StaleSyncLister interface {
	ListStaleSyncStates(ctx context.Context, olderThan time.Duration, limit int) ([]models.SyncState, error)
}

// Watcher polls for pending jobs, claims them one at a time, and hands them
// to the orchestrator. A cron schedule sweeps orphaned jobs back to pending
// and enqueues incremental syncs for stale users.
type Watcher struct {
	cfg          *config.Config
	claims       JobClaimer
	syncs        StaleSyncLister
	orchestrator *service.Orchestrator
	logger       *zap.Logger
}

func New(
	cfg *config.Config,
	claims JobClaimer,
	syncs StaleSyncLister,
	orchestrator *service.Orchestrator,
	logger *zap.Logger,
) *Watcher {
	return &Watcher{
		cfg:          cfg,
		claims:       claims,
		syncs:        syncs,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Start begins claiming and running jobs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting watcher",
		zap.Int("poll_interval_seconds", w.cfg.PollInterval))

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() { w.sweepStale(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc("@every 1h", func() { w.scheduleIncrementalSyncs(ctx) }); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	// Drain anything left over from a previous run before the first tick.
	w.runPending(ctx)

	ticker := time.NewTicker(time.Duration(w.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.runPending(ctx)
		}
	}
}

// runPending claims and runs jobs until the queue is empty or the per-tick
// budget is spent.
func (w *Watcher) runPending(ctx context.Context) {
	for i := 0; i < claimBudget; i++ {
		if ctx.Err() != nil {
			return
		}

		job, err := w.claims.ClaimNextPending(ctx)
		if err != nil {
			w.logger.Error("failed to claim job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}

		if err := w.orchestrator.RunJob(ctx, job); err != nil {
			// Already persisted to a failed/requeued state; log and move on.
			w.logger.Warn("job did not complete",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
}

// sweepStale requeues jobs orphaned by crashed workers.
func (w *Watcher) sweepStale(ctx context.Context) {
	n, err := w.claims.RequeueStale(ctx, staleAfter)
	if err != nil {
		w.logger.Error("stale job sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("requeued stale jobs", zap.Int64("count", n))
	}
}

// scheduleIncrementalSyncs enqueues fetch jobs for users whose cache has
// gone stale. An already-active job for the user is not an error.
func (w *Watcher) scheduleIncrementalSyncs(ctx context.Context) {
	states, err := w.syncs.ListStaleSyncStates(ctx, refreshEvery, 20)
	if err != nil {
		w.logger.Error("failed to list stale sync states", zap.Error(err))
		return
	}

	for _, state := range states {
		_, err := w.orchestrator.CreateJob(ctx, state.UserID, models.JobTypeFetchMessages, models.JobMetadata{
			DaysBack: 7,
		})
		if err != nil {
			// Conflicts just mean a sync is already underway.
			continue
		}
		w.logger.Info("scheduled incremental sync", zap.String("user_id", state.UserID))
	}
}
