package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mailscope/backend/internal/errs"
	"github.com/mailscope/backend/internal/metrics"
)

const (
	// DefaultPageSize is how many message IDs one list call asks for.
	DefaultPageSize = 50

	// fetchAttempts bounds per-message retries. A message that still fails
	// after these is skipped; one bad message never sinks the batch.
	fetchAttempts = 3

	baseBackoff = 500 * time.Millisecond
)

// Fetcher pulls paginated message batches from the provider with bounded
// concurrency on the per-message detail calls.
type Fetcher struct {
	provider    ProviderClient
	concurrency int
	baseBackoff time.Duration
	logger      *zap.Logger
}

func NewFetcher(provider ProviderClient, concurrency int, logger *zap.Logger) *Fetcher {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Fetcher{
		provider:    provider,
		concurrency: concurrency,
		baseBackoff: baseBackoff,
		logger:      logger,
	}
}

// BatchFunc receives the successfully fetched subset of one page, so the
// caller can persist incrementally without waiting for the whole job.
type BatchFunc func(ctx context.Context, messages []Message, nextPageToken string) error

// FetchBatches paginates the provider's list endpoint starting at pageToken,
// stopping once maxResults messages have been fetched or the pages run out.
// cancelled is consulted between pages only, never mid-batch; a positive
// answer returns the count fetched so far without error.
func (f *Fetcher) FetchBatches(
	ctx context.Context,
	accessToken string,
	since time.Time,
	pageToken string,
	maxResults int,
	cancelled func(ctx context.Context) bool,
	onBatch BatchFunc,
) (int, error) {
	query := buildQuery(since)
	total := 0

	for {
		// Context death is worker shutdown, not completion: surface it so
		// the job requeues instead of drifting toward Complete.
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if cancelled != nil && cancelled(ctx) {
			f.logger.Info("fetch cancelled between pages", zap.Int("fetched", total))
			return total, nil
		}

		remaining := maxResults - total
		if remaining <= 0 {
			return total, nil
		}
		pageSize := int64(DefaultPageSize)
		if remaining < DefaultPageSize {
			pageSize = int64(remaining)
		}

		start := time.Now()
		page, err := f.provider.ListMessageIDs(ctx, accessToken, query, pageSize, pageToken)
		metrics.ProviderCallDuration.WithLabelValues("list").Observe(time.Since(start).Seconds())
		if err != nil {
			return total, fmt.Errorf("failed to list message page: %w", err)
		}

		if len(page.MessageIDs) > 0 {
			batch := f.fetchDetails(ctx, accessToken, page.MessageIDs)
			if err := onBatch(ctx, batch, page.NextPageToken); err != nil {
				return total, fmt.Errorf("batch callback failed: %w", err)
			}
			total += len(batch)
		}

		if page.NextPageToken == "" {
			return total, nil
		}
		pageToken = page.NextPageToken
	}
}

// fetchDetails pulls message bodies for one page with a bounded worker pool.
// Failed messages are retried with exponential backoff, then skipped.
func (f *Fetcher) fetchDetails(ctx context.Context, accessToken string, ids []string) []Message {
	results := make([]*Message, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			msg, err := f.fetchOne(gctx, accessToken, id)
			if err != nil {
				// Partial success: log, count, move on.
				f.logger.Warn("skipping message after retries",
					zap.String("message_id", id),
					zap.Error(err))
				metrics.MessagesSkipped.Inc()
				return nil
			}
			results[i] = msg
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Message, 0, len(ids))
	for _, msg := range results {
		if msg != nil {
			out = append(out, *msg)
			metrics.MessagesFetched.Inc()
		}
	}
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, accessToken, id string) (*Message, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.backoff(attempt)):
			}
		}

		start := time.Now()
		msg, err := f.provider.GetMessage(ctx, accessToken, id)
		metrics.ProviderCallDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
		if err == nil {
			return msg, nil
		}
		lastErr = err

		if !errs.Is(err, errs.CodeTransient) {
			// Auth or malformed-message failures will not heal on retry.
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := f.baseBackoff * (1 << attempt)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// buildQuery builds the provider list query. Gmail returns newest first by
// default; the after: filter bounds the window.
func buildQuery(since time.Time) string {
	query := "in:inbox -in:spam"
	if !since.IsZero() {
		query += fmt.Sprintf(" after:%s", since.Format("2006/01/02"))
	}
	return query
}
