// Package train decides when classifier training is worth queueing and
// whether a freshly trained classifier should replace the active one.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/config"
	"github.com/oceanvision/reefscan/internal/job"
	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/pkg/messages"
	"github.com/oceanvision/reefscan/pkg/models"
)

var (
	// ErrNotEligible is returned when a source does not meet the training
	// thresholds. Forced training bypasses this check.
	ErrNotEligible = errors.New("source not eligible for training")

	// ErrCoolingDown is returned while a failed training run is inside the
	// resubmit window. Forced training bypasses this check too.
	ErrCoolingDown = errors.New("training recently failed, cooling down")
)

// recentFailureScan bounds how many failed training jobs are scanned when
// checking the cool-down window.
const recentFailureScan = 100

// Policy implements the training decision rules. It is also the collector's
// TrainResultHandler: when a training result arrives it records the accuracy
// and runs the acceptance check.
type Policy struct {
	store   store.Store
	ledger  *job.Ledger
	backend queue.Backend
	cfg     config.VisionConfig
}

// New creates a training Policy.
func New(st store.Store, ledger *job.Ledger, backend queue.Backend, cfg config.VisionConfig) *Policy {
	return &Policy{store: st, ledger: ledger, backend: backend, cfg: cfg}
}

// Eligible applies the threshold rules for one source: a first classifier
// once confirmed annotations reach the minimum, a retrain once confirmed
// annotations reach the growth factor times the images used last time. A
// source with no labelset or no confirmed images is never eligible.
func (p *Policy) Eligible(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	labels, err := p.store.ListSourceLabels(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("listing source labels: %w", err)
	}
	if len(labels) == 0 {
		return false, nil
	}

	confirmed, err := p.store.CountConfirmedImages(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("counting confirmed images: %w", err)
	}
	if confirmed == 0 {
		return false, nil
	}

	latest, err := p.store.GetLatestClassifier(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return confirmed >= p.cfg.MinAnnotatedImages, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading latest classifier: %w", err)
	}

	// Proportional growth trigger. Retraining slows down as the source
	// matures instead of firing every N new annotations.
	return float64(confirmed) >= p.cfg.TrainGrowthFactor*float64(latest.NbrTrainImages), nil
}

// QueueTraining queues one training run for a source. Concurrent requests for
// the same source collapse to the single existing non-terminal job. forced
// bypasses eligibility and cool-down, never the acceptance check.
func (p *Policy) QueueTraining(ctx context.Context, sourceID uuid.UUID, forced bool) (*models.Job, error) {
	if existing, err := p.store.FindNonTerminalJob(ctx, models.JobTrainClassifier, sourceID.String()); err == nil {
		if existing.Status == models.JobStatusPending && !existing.Due(time.Now().UTC()) {
			// A delayed retry is already on the books; waiting it out is
			// the cool-down. Forced training submits it immediately.
			if !forced {
				return nil, ErrCoolingDown
			}
			if err := p.submitTraining(ctx, existing, sourceID, forced); err != nil {
				return nil, err
			}
		}
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up training job: %w", err)
	}

	if !forced {
		eligible, err := p.Eligible(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		if !eligible {
			return nil, ErrNotEligible
		}
		cooling, err := p.coolingDown(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		if cooling {
			return nil, ErrCoolingDown
		}
	}

	j, err := p.ledger.Queue(ctx, models.JobTrainClassifier, sourceID.String())
	if err != nil {
		return nil, err
	}
	if err := p.submitTraining(ctx, j, sourceID, forced); err != nil {
		return nil, err
	}
	return j, nil
}

// submitTraining snapshots the source's labelset and confirmed images,
// records the candidate classifier, and hands the run to the compute fabric.
// The snapshot is taken at submit time, so a delayed retry trains on the
// annotations present when it actually runs.
func (p *Policy) submitTraining(ctx context.Context, j *models.Job, sourceID uuid.UUID, forced bool) error {
	labels, err := p.store.ListSourceLabels(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("listing source labels: %w", err)
	}
	featureKeys, err := p.store.ListConfirmedFeatureKeys(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("listing confirmed feature keys: %w", err)
	}

	classifier := &models.Classifier{
		ID:             uuid.New(),
		SourceID:       sourceID,
		Valid:          false,
		NbrTrainImages: len(featureKeys),
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.CreateClassifier(ctx, classifier); err != nil {
		return fmt.Errorf("creating classifier: %w", err)
	}

	labelIDs := make([]uuid.UUID, len(labels))
	for i, l := range labels {
		labelIDs[i] = l.ID
	}

	payload := messages.TrainPayload{
		SourceID:     sourceID,
		ClassifierID: classifier.ID,
		LabelIDs:     labelIDs,
		FeatureKeys:  featureKeys,
		Epochs:       p.cfg.TrainEpochs,
	}
	// The currently active classifier rides along so the worker evaluates it
	// on the same set, giving the acceptance check comparable accuracies.
	if active, err := p.store.GetActiveClassifier(ctx, sourceID); err == nil {
		payload.PreviousClassifierIDs = []uuid.UUID{active.ID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading active classifier: %w", err)
	}

	submit, err := messages.NewSubmit(models.JobTrainClassifier, j.ID, "", payload)
	if err != nil {
		return err
	}
	if err := p.backend.Submit(ctx, submit); err != nil {
		_, _ = p.ledger.Finish(ctx, j.ID, false, "queue submit failed: "+err.Error())
		return err
	}
	if _, err := p.ledger.Start(ctx, j.ID); err != nil {
		return err
	}

	slog.Info("training queued",
		"source_id", sourceID, "classifier_id", classifier.ID,
		"nbr_train_images", classifier.NbrTrainImages, "forced", forced)
	return nil
}

// DispatchDue submits pending training jobs whose scheduled start has
// passed. Failed runs queue their retry delayed by the resubmit window, and
// the retry waits here until it is due.
func (p *Policy) DispatchDue(ctx context.Context) error {
	pending, err := p.ledger.List(ctx, store.JobFilter{
		JobType: models.JobTrainClassifier,
		Status:  models.JobStatusPending,
		Limit:   recentFailureScan,
	})
	if err != nil {
		return fmt.Errorf("listing pending training jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, j := range pending {
		if !j.Due(now) {
			continue
		}
		sourceID, err := uuid.Parse(j.ArgIdentifier)
		if err != nil {
			slog.Error("pending training job with malformed source id",
				"job_id", j.ID, "arg_identifier", j.ArgIdentifier)
			continue
		}
		if err := p.submitTraining(ctx, j, sourceID, false); err != nil {
			slog.Error("submitting due training job", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// Run dispatches due training jobs on a fixed interval until ctx is
// cancelled.
func (p *Policy) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("training dispatcher started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("training dispatcher stopped")
			return
		case <-ticker.C:
			if err := p.DispatchDue(ctx); err != nil {
				slog.Error("dispatching due training jobs", "error", err)
			}
		}
	}
}

// coolingDown reports whether the source's most recent training failure is
// still inside the resubmit window.
func (p *Policy) coolingDown(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	failed, err := p.ledger.List(ctx, store.JobFilter{
		JobType: models.JobTrainClassifier,
		Status:  models.JobStatusFailure,
		Limit:   recentFailureScan,
	})
	if err != nil {
		return false, fmt.Errorf("listing failed training jobs: %w", err)
	}
	cutoff := time.Now().UTC().Add(-p.cfg.TrainResubmitWindow)
	for _, j := range failed {
		if j.ArgIdentifier == sourceID.String() && j.ModifiedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// HandleTrainResult records a finished training run and decides acceptance.
// The new classifier replaces the active one only if its accuracy clears the
// active accuracy times the improvement margin; a source's first classifier
// is always accepted. Called by the collector after the job is terminal.
func (p *Policy) HandleTrainResult(ctx context.Context, j *models.Job, msg *messages.ResultMessage) error {
	if msg.Train == nil {
		slog.Warn("training result without payload", "job_id", j.ID)
		return nil
	}
	res := msg.Train

	classifier, err := p.store.GetClassifier(ctx, res.ClassifierID)
	if err != nil {
		return fmt.Errorf("loading trained classifier: %w", err)
	}

	if !msg.OK() || !res.Success {
		slog.Warn("training run failed, classifier stays invalid",
			"classifier_id", classifier.ID, "source_id", classifier.SourceID, "error", msg.Error)
		// Queue the retry past the cool-down window; DispatchDue submits
		// it once due.
		if _, err := p.ledger.Queue(ctx, models.JobTrainClassifier,
			classifier.SourceID.String(), job.WithDelay(p.cfg.TrainResubmitWindow)); err != nil {
			return fmt.Errorf("scheduling training retry: %w", err)
		}
		return nil
	}

	if err := p.store.SetClassifierResult(ctx, classifier.ID, res.Accuracy, res.RuntimeMs); err != nil {
		return fmt.Errorf("recording classifier result: %w", err)
	}

	active, err := p.store.GetActiveClassifier(ctx, classifier.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		// First classifier for the source.
		if err := p.store.PromoteClassifier(ctx, classifier.ID, nil); err != nil {
			if errors.Is(err, store.ErrActiveClassifierChanged) {
				slog.Warn("lost promotion race for first classifier", "classifier_id", classifier.ID)
				return nil
			}
			return fmt.Errorf("promoting first classifier: %w", err)
		}
		slog.Info("first classifier accepted",
			"classifier_id", classifier.ID, "source_id", classifier.SourceID, "accuracy", res.Accuracy)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading active classifier: %w", err)
	}

	// Prefer the re-evaluated accuracy of the active classifier when the
	// worker computed one; the stored accuracy came from a different
	// evaluation set.
	activeAccuracy := active.Accuracy
	if len(res.RefAccuracies) > 0 {
		activeAccuracy = res.RefAccuracies[0]
	}

	if res.Accuracy <= activeAccuracy*p.cfg.ImprovementMargin {
		slog.Info("new classifier rejected, insufficient improvement",
			"classifier_id", classifier.ID, "source_id", classifier.SourceID,
			"accuracy", res.Accuracy, "active_accuracy", activeAccuracy)
		return nil
	}

	if err := p.store.PromoteClassifier(ctx, classifier.ID, &active.ID); err != nil {
		if errors.Is(err, store.ErrActiveClassifierChanged) {
			slog.Warn("active classifier changed during training, keeping current",
				"classifier_id", classifier.ID, "source_id", classifier.SourceID)
			return nil
		}
		return fmt.Errorf("promoting classifier: %w", err)
	}

	slog.Info("classifier promoted",
		"classifier_id", classifier.ID, "source_id", classifier.SourceID,
		"accuracy", res.Accuracy, "previous_accuracy", activeAccuracy)
	return nil
}

// Compile-time check that Policy satisfies the collector's handler contract.
var _ job.TrainResultHandler = (*Policy)(nil)
