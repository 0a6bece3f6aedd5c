package job_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/cache"
	"github.com/oceanvision/reefscan/internal/job"
	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/internal/store/memory"
	"github.com/oceanvision/reefscan/pkg/messages"
	"github.com/oceanvision/reefscan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache is an in-memory cache.Cache for tests.
type fakeCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	statuses map[uuid.UUID]string
	features map[string]bool
	counters map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:   make(map[string][]byte),
		statuses: make(map[uuid.UUID]string),
		features: make(map[string]bool),
		counters: make(map[string]int64),
	}
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *fakeCache) Ping(_ context.Context) error { return nil }

func (c *fakeCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

func (c *fakeCache) MarkFeaturesExist(_ context.Context, featureKey string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.features[featureKey] = true
	return nil
}

func (c *fakeCache) FeaturesExist(_ context.Context, featureKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features[featureKey], nil
}

func (c *fakeCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*fakeCache)(nil)

// fakeBackend is an in-memory queue.Backend recording submits and serving
// preloaded results.
type fakeBackend struct {
	mu      sync.Mutex
	submits []messages.SubmitMessage
	results []messages.ResultMessage

	submitErr error
}

func (b *fakeBackend) Submit(_ context.Context, msg messages.SubmitMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return b.submitErr
	}
	b.submits = append(b.submits, msg)
	return nil
}

func (b *fakeBackend) Collect(_ context.Context) (*messages.ResultMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) == 0 {
		return nil, nil
	}
	msg := b.results[0]
	b.results = b.results[1:]
	return &msg, nil
}

func (b *fakeBackend) push(msg messages.ResultMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, msg)
}

var _ queue.Backend = (*fakeBackend)(nil)

func newLedger(t *testing.T) (*job.Ledger, *memory.Store, *fakeCache) {
	t.Helper()
	st := memory.New()
	ca := newFakeCache()
	return job.NewLedger(st, ca), st, ca
}

func TestQueue_CreatesPendingJob(t *testing.T) {
	l, _, ca := newLedger(t)
	ctx := context.Background()

	j, err := l.Queue(ctx, models.JobExtractFeatures, "feat-1")
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.Equal(t, models.JobExtractFeatures, j.JobType)
	assert.Equal(t, "feat-1", j.ArgIdentifier)
	assert.Zero(t, j.Attempts)

	status, found, err := ca.GetJobStatus(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.JobStatusPending, status)
}

func TestQueue_DeduplicatesNonTerminal(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Queue(ctx, models.JobExtractFeatures, "feat-1")
	require.NoError(t, err)

	second, err := l.Queue(ctx, models.JobExtractFeatures, "feat-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestQueue_DifferentArgsDoNotCollide(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	a, err := l.Queue(ctx, models.JobExtractFeatures, "feat-a")
	require.NoError(t, err)
	b, err := l.Queue(ctx, models.JobExtractFeatures, "feat-b")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestQueue_TerminalJobDoesNotBlockRequeue(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Queue(ctx, models.JobTrainClassifier, "source-1")
	require.NoError(t, err)
	_, err = l.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = l.Finish(ctx, first.ID, true, "done")
	require.NoError(t, err)

	second, err := l.Queue(ctx, models.JobTrainClassifier, "source-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestQueue_WithDelay(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	before := time.Now().UTC()
	j, err := l.Queue(ctx, models.JobTrainClassifier, "source-1", job.WithDelay(time.Hour))
	require.NoError(t, err)
	assert.True(t, j.ScheduledStart.After(before.Add(59*time.Minute)))
}

func TestStart_BumpsAttempts(t *testing.T) {
	l, _, ca := newLedger(t)
	ctx := context.Background()

	j, err := l.Queue(ctx, models.JobClassifyImage, "unit-1")
	require.NoError(t, err)

	started, err := l.Start(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, started.Status)
	assert.Equal(t, 1, started.Attempts)

	status, _, _ := ca.GetJobStatus(ctx, j.ID)
	assert.Equal(t, models.JobStatusInProgress, status)
}

func TestFinish_Success(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	j, err := l.Queue(ctx, models.JobClassifyImage, "unit-1")
	require.NoError(t, err)
	_, err = l.Start(ctx, j.ID)
	require.NoError(t, err)

	finished, err := l.Finish(ctx, j.ID, true, "classified")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, finished.Status)
	assert.Equal(t, "classified", finished.ResultMessage)
}

func TestFinish_AlreadyTerminal(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	j, err := l.Queue(ctx, models.JobClassifyImage, "unit-1")
	require.NoError(t, err)
	_, err = l.Finish(ctx, j.ID, false, "worker error")
	require.NoError(t, err)

	_, err = l.Finish(ctx, j.ID, true, "late success")
	assert.ErrorIs(t, err, store.ErrStaleTransition)

	got, err := l.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, got.Status)
	assert.Equal(t, "worker error", got.ResultMessage)
}

func TestAbort(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	j, err := l.Queue(ctx, models.JobTrainClassifier, "source-1")
	require.NoError(t, err)

	aborted, err := l.Abort(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, aborted.Status)
	assert.Equal(t, "Aborted manually", aborted.ResultMessage)
}

func TestAbort_TerminalJob(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	j, err := l.Queue(ctx, models.JobTrainClassifier, "source-1")
	require.NoError(t, err)
	_, err = l.Finish(ctx, j.ID, true, "done")
	require.NoError(t, err)

	_, err = l.Abort(ctx, j.ID)
	assert.ErrorIs(t, err, store.ErrStaleTransition)
}

func TestDelete_OnlyTerminal(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	j, err := l.Queue(ctx, models.JobTrainClassifier, "source-1")
	require.NoError(t, err)

	err = l.Delete(ctx, j.ID)
	assert.ErrorIs(t, err, store.ErrJobNotTerminal)

	_, err = l.Finish(ctx, j.ID, true, "done")
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, j.ID))
	_, err = l.Get(ctx, j.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
