// Package job owns the internal work ledger and the result collector. Every
// unit of asynchronous compute the system requests is recorded here, moves
// through pending -> in_progress -> success|failure, and is deduplicated so
// racing triggers never queue the same work twice.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/cache"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/pkg/models"
)

// AbortMessage is the fixed result message recorded on operator-aborted jobs.
const AbortMessage = "Aborted manually"

// statusTTL bounds how long cached job statuses live without a refresh.
const statusTTL = 30 * time.Minute

// Ledger mediates all job creation and status transitions. Going through the
// ledger (never the store directly) keeps the dedup invariant and the cached
// status view consistent.
type Ledger struct {
	store store.Store
	cache cache.Cache
}

// NewLedger creates a new Ledger.
func NewLedger(st store.Store, ca cache.Cache) *Ledger {
	return &Ledger{store: st, cache: ca}
}

type queueOptions struct {
	delay time.Duration
}

// QueueOption configures job creation.
type QueueOption func(*queueOptions)

// WithDelay postpones the job's earliest eligible start time.
func WithDelay(d time.Duration) QueueOption {
	return func(o *queueOptions) { o.delay = d }
}

// Queue creates a job, or returns the existing non-terminal job for the same
// (type, argument) pair. Deduplication is not an error: callers get a job
// either way and cannot tell (nor need to know) which path was taken.
func (l *Ledger) Queue(ctx context.Context, jobType, argIdentifier string, opts ...QueueOption) (*models.Job, error) {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}

	existing, err := l.store.FindNonTerminalJob(ctx, jobType, argIdentifier)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up existing job: %w", err)
	}

	now := time.Now().UTC()
	j := &models.Job{
		ID:             uuid.New(),
		JobType:        jobType,
		ArgIdentifier:  argIdentifier,
		Status:         models.JobStatusPending,
		ScheduledStart: now.Add(o.delay),
		CreatedAt:      now,
		ModifiedAt:     now,
	}

	if err := l.store.CreateJob(ctx, j); err != nil {
		// Lost a creation race; the winner's job is the one we want.
		if errors.Is(err, store.ErrDuplicateKey) {
			return l.store.FindNonTerminalJob(ctx, jobType, argIdentifier)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	_ = l.cache.SetJobStatus(ctx, j.ID, models.JobStatusPending, statusTTL)
	return j, nil
}

// Get fetches one job by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return l.store.GetJob(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return l.store.ListJobs(ctx, filter)
}

// Start marks a pending job as claimed by the compute fabric, bumping its
// attempt count.
func (l *Ledger) Start(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := l.store.StartJob(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = l.cache.SetJobStatus(ctx, j.ID, models.JobStatusInProgress, statusTTL)
	return j, nil
}

// Finish moves a job to its terminal state and records the result message.
// Finishing an already-terminal job returns store.ErrStaleTransition and
// changes nothing; callers collecting at-least-once results treat that as
// a no-op.
func (l *Ledger) Finish(ctx context.Context, id uuid.UUID, success bool, resultMessage string) (*models.Job, error) {
	status := models.JobStatusFailure
	if success {
		status = models.JobStatusSuccess
	}

	j, err := l.store.FinishJob(ctx, id, status, resultMessage)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			slog.Info("ignoring finish on terminal job", "job_id", id, "wanted_status", status)
		}
		return nil, err
	}

	_ = l.cache.SetJobStatus(ctx, j.ID, status, statusTTL)
	return j, nil
}

// Abort force-fails a stuck non-terminal job. The remote computation, if any,
// is not retracted; its result will arrive later and be dropped as stale.
func (l *Ledger) Abort(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := l.Finish(ctx, id, false, AbortMessage)
	if err != nil {
		return nil, err
	}
	slog.Warn("job aborted", "job_id", id, "job_type", j.JobType)
	return j, nil
}

// Delete removes a terminal job from the ledger. Non-terminal jobs must be
// aborted first.
func (l *Ledger) Delete(ctx context.Context, id uuid.UUID) error {
	if err := l.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	_ = l.cache.Delete(ctx, cache.JobStatusKey(id))
	return nil
}
