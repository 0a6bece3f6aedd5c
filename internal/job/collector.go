package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/cache"
	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/internal/vision"
	"github.com/oceanvision/reefscan/pkg/messages"
	"github.com/oceanvision/reefscan/pkg/models"
)

// featureExistsTTL caches blob existence for extracted features. Features are
// content-addressed and immutable, so a long TTL is safe.
const featureExistsTTL = 7 * 24 * time.Hour

// maxResultsPerDrain caps how many results one drain pass applies, so a
// backlog cannot starve the ticker loop.
const maxResultsPerDrain = 256

// TrainResultHandler applies training-policy decisions (acceptance,
// promotion, resubmission) when a training job's result arrives. The
// training job itself is already terminal by the time this runs.
type TrainResultHandler interface {
	HandleTrainResult(ctx context.Context, j *models.Job, msg *messages.ResultMessage) error
}

// Collector periodically drains the queue backend's finished results and
// applies them to the ledger. Collection is idempotent: duplicate or late
// results for an already-terminal job are logged and dropped, so it is safe
// to run collectors in several processes at once.
type Collector struct {
	store    store.Store
	backend  queue.Backend
	ledger   *Ledger
	trains   TrainResultHandler
	cache    cache.Cache
	topK     int
	interval time.Duration
}

// NewCollector creates a Collector. trains may be nil, in which case training
// results only move their job to a terminal state.
func NewCollector(st store.Store, backend queue.Backend, ledger *Ledger, trains TrainResultHandler, ca cache.Cache, topK int, interval time.Duration) *Collector {
	return &Collector{
		store:    st,
		backend:  backend,
		ledger:   ledger,
		trains:   trains,
		cache:    ca,
		topK:     topK,
		interval: interval,
	}
}

// Run drains on a fixed interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	slog.Info("collector started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("collector stopped")
			return
		case <-ticker.C:
			c.Drain(ctx)
		}
	}
}

// Drain collects and applies results until the queue reports empty. Apply
// errors are logged per message; one bad result does not block the rest.
func (c *Collector) Drain(ctx context.Context) {
	for i := 0; i < maxResultsPerDrain; i++ {
		msg, err := c.backend.Collect(ctx)
		if err != nil {
			slog.Error("collecting result", "error", err)
			return
		}
		if msg == nil {
			return
		}
		if err := c.apply(ctx, msg); err != nil {
			slog.Error("applying result", "error", err, "job_id", msg.JobID, "task_type", msg.TaskType)
		}
	}
}

func (c *Collector) apply(ctx context.Context, msg *messages.ResultMessage) error {
	j, err := c.store.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("dropping result for unknown job", "job_id", msg.JobID, "task_type", msg.TaskType)
			return nil
		}
		return fmt.Errorf("loading job: %w", err)
	}

	// At-least-once delivery: the same result can arrive twice, or arrive
	// after an operator abort. Either way the job is settled.
	if j.Terminal() {
		slog.Info("dropping late result for terminal job", "job_id", j.ID, "status", j.Status)
		return nil
	}

	switch msg.TaskType {
	case models.JobExtractFeatures:
		return c.applyExtract(ctx, j, msg)
	case models.JobTrainClassifier:
		return c.applyTrain(ctx, j, msg)
	case models.JobClassifyImage:
		return c.applyClassify(ctx, j, msg)
	default:
		slog.Warn("dropping result with unknown task type", "job_id", j.ID, "task_type", msg.TaskType)
		return nil
	}
}

// applyExtract settles a feature-extraction job. On success every unit whose
// classification was parked behind this extraction is released to the queue;
// on failure those units fail with it, since their input will never exist.
func (c *Collector) applyExtract(ctx context.Context, j *models.Job, msg *messages.ResultMessage) error {
	featureKey := j.ArgIdentifier

	if !msg.OK() || msg.Extract == nil {
		reason := msg.Error
		if reason == "" {
			reason = "malformed extract result"
		}
		if _, err := c.ledger.Finish(ctx, j.ID, false, reason); err != nil && !errors.Is(err, store.ErrStaleTransition) {
			return err
		}
		return c.failAwaitingUnits(ctx, featureKey, "feature extraction failed: "+reason)
	}

	message := fmt.Sprintf("features extracted in %d ms", msg.Extract.RuntimeTotalMs)
	if _, err := c.ledger.Finish(ctx, j.ID, true, message); err != nil && !errors.Is(err, store.ErrStaleTransition) {
		return err
	}

	_ = c.cache.MarkFeaturesExist(ctx, featureKey, featureExistsTTL)
	return c.releaseAwaitingUnits(ctx, featureKey)
}

// releaseAwaitingUnits submits the pending classification jobs that were
// waiting for a feature key to land in blob storage.
func (c *Collector) releaseAwaitingUnits(ctx context.Context, featureKey string) error {
	units, err := c.store.ListUnitsAwaitingFeatures(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("listing units awaiting features: %w", err)
	}

	now := time.Now().UTC()
	for _, uw := range units {
		if !uw.Job.Due(now) {
			// Not yet eligible; a later release pass picks it up.
			continue
		}
		var payload messages.ClassifyPayload
		if err := json.Unmarshal(uw.Unit.RequestJSON, &payload); err != nil {
			slog.Error("unit has undecodable request", "unit_id", uw.Unit.ID, "error", err)
			_, _ = c.ledger.Finish(ctx, uw.Job.ID, false, "invalid stored request")
			continue
		}

		submit, err := messages.NewSubmit(models.JobClassifyImage, uw.Job.ID, "", payload)
		if err != nil {
			slog.Error("building classify submit", "unit_id", uw.Unit.ID, "error", err)
			continue
		}
		if err := c.backend.Submit(ctx, submit); err != nil {
			// The unit stays pending; the next successful extraction result
			// for this key (or an operator nudge) retries it.
			slog.Error("submitting released classification", "unit_id", uw.Unit.ID, "error", err)
			continue
		}
		if _, err := c.ledger.Start(ctx, uw.Job.ID); err != nil {
			slog.Error("starting released classification job", "job_id", uw.Job.ID, "error", err)
		}
	}
	return nil
}

func (c *Collector) failAwaitingUnits(ctx context.Context, featureKey, reason string) error {
	units, err := c.store.ListUnitsAwaitingFeatures(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("listing units awaiting features: %w", err)
	}
	for _, uw := range units {
		if _, err := c.ledger.Finish(ctx, uw.Job.ID, false, reason); err != nil && !errors.Is(err, store.ErrStaleTransition) {
			slog.Error("failing awaiting unit", "job_id", uw.Job.ID, "error", err)
		}
	}
	return nil
}

// applyTrain settles a training job, then hands the result to the training
// policy for the acceptance and promotion decision.
func (c *Collector) applyTrain(ctx context.Context, j *models.Job, msg *messages.ResultMessage) error {
	succeeded := msg.OK() && msg.Train != nil && msg.Train.Success

	var message string
	switch {
	case succeeded:
		message = fmt.Sprintf("trained in %d ms, accuracy %.4f", msg.Train.RuntimeMs, msg.Train.Accuracy)
	case msg.Error != "":
		message = msg.Error
	default:
		message = "training failed"
	}

	finished, err := c.ledger.Finish(ctx, j.ID, succeeded, message)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return nil
		}
		return err
	}

	if c.trains == nil {
		return nil
	}
	return c.trains.HandleTrainResult(ctx, finished, msg)
}

// applyClassify settles a classification job, storing the top-K scores on
// its unit.
func (c *Collector) applyClassify(ctx context.Context, j *models.Job, msg *messages.ResultMessage) error {
	if !msg.OK() || msg.Classify == nil {
		reason := msg.Error
		if reason == "" {
			reason = "malformed classify result"
		}
		_, err := c.ledger.Finish(ctx, j.ID, false, reason)
		if errors.Is(err, store.ErrStaleTransition) {
			return nil
		}
		return err
	}

	unit, err := c.store.GetUnitByJobID(ctx, j.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("classification result without a unit", "job_id", j.ID)
			_, err = c.ledger.Finish(ctx, j.ID, true, "classified")
			return err
		}
		return fmt.Errorf("loading unit: %w", err)
	}

	var payload messages.ClassifyPayload
	if err := json.Unmarshal(unit.RequestJSON, &payload); err != nil {
		_, _ = c.ledger.Finish(ctx, j.ID, false, "invalid stored request")
		return fmt.Errorf("decoding unit request: %w", err)
	}

	labels, err := c.store.GetLabelsByIDs(ctx, payload.LabelIDs)
	if err != nil {
		return fmt.Errorf("loading labels: %w", err)
	}

	// Worker scores are parallel to payload.LabelIDs, while the store
	// returns labels in no particular order. Re-key by ID before pairing.
	byID := make(map[uuid.UUID]*models.Label, len(labels))
	for _, l := range labels {
		byID[l.ID] = l
	}
	ordered := make([]*models.Label, len(payload.LabelIDs))
	for i, id := range payload.LabelIDs {
		l, ok := byID[id]
		if !ok {
			_, err := c.ledger.Finish(ctx, j.ID, false, fmt.Sprintf("label %s no longer exists", id))
			if errors.Is(err, store.ErrStaleTransition) {
				return nil
			}
			return err
		}
		ordered[i] = l
	}

	points := make([]vision.PointResult, len(msg.Classify.Points))
	for i, ps := range msg.Classify.Points {
		points[i] = vision.PointResult{
			Row:    ps.Row,
			Column: ps.Column,
			Scores: vision.TopK(ps.Scores, ordered, c.topK),
		}
	}

	resultJSON, err := json.Marshal(vision.ClassifyOutput{Points: points})
	if err != nil {
		return fmt.Errorf("encoding unit result: %w", err)
	}
	if err := c.store.SetUnitResult(ctx, unit.ID, resultJSON); err != nil {
		return fmt.Errorf("storing unit result: %w", err)
	}

	// Finish last, so a done job always implies its result is readable.
	_, err = c.ledger.Finish(ctx, j.ID, true, "classified")
	if errors.Is(err, store.ErrStaleTransition) {
		return nil
	}
	return err
}
