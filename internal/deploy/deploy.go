// Package deploy implements the externally visible classification pipeline:
// admission of a deploy request, fan-out into per-image work units, aggregate
// status, and ordered result assembly.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/blob"
	"github.com/oceanvision/reefscan/internal/cache"
	"github.com/oceanvision/reefscan/internal/config"
	"github.com/oceanvision/reefscan/internal/job"
	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/internal/vision"
	"github.com/oceanvision/reefscan/pkg/messages"
	"github.com/oceanvision/reefscan/pkg/models"
)

const (
	maxImagesPerRequest = 100
	maxPointsPerImage   = 1000

	// maxQuotaErrorIDs caps how many active job IDs a quota rejection lists.
	maxQuotaErrorIDs = 5
)

// featureExistsTTL matches the collector's blob existence cache window.
const featureExistsTTL = 7 * 24 * time.Hour

var (
	// ErrNotDone is returned when results are requested before every unit
	// has reached a terminal state.
	ErrNotDone = errors.New("deploy job not done")

	// ErrClassifierNotDeployable is returned for classifiers that exist but
	// have never been accepted for classification use.
	ErrClassifierNotDeployable = errors.New("classifier not deployable")
)

// Service runs the deploy pipeline.
type Service struct {
	store   store.Store
	ledger  *job.Ledger
	backend queue.Backend
	blob    blob.Store
	cache   cache.Cache
	cfg     config.VisionConfig
}

// NewService creates a deploy Service.
func NewService(st store.Store, ledger *job.Ledger, backend queue.Backend, bl blob.Store, ca cache.Cache, cfg config.VisionConfig) *Service {
	return &Service{
		store:   st,
		ledger:  ledger,
		backend: backend,
		blob:    bl,
		cache:   ca,
		cfg:     cfg,
	}
}

// Submit admits a deploy request and fans it out into one unit (and one
// internal classification job) per image, preserving input order. Returns
// the created ApiJob for the 202 response.
func (s *Service) Submit(ctx context.Context, userID, classifierID uuid.UUID, req *Request) (*models.ApiJob, error) {
	classifier, err := s.store.GetClassifier(ctx, classifierID)
	if err != nil {
		return nil, err
	}
	if !classifier.Valid {
		return nil, ErrClassifierNotDeployable
	}

	active, err := s.store.CountActiveApiJobs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("counting active jobs: %w", err)
	}
	if active >= s.cfg.MaxConcurrentApiJobs {
		ids, err := s.store.ListActiveApiJobIDs(ctx, userID, maxQuotaErrorIDs)
		if err != nil {
			return nil, fmt.Errorf("listing active jobs: %w", err)
		}
		return nil, &QuotaError{Limit: s.cfg.MaxConcurrentApiJobs, ActiveJobIDs: ids}
	}

	if err := Validate(req); err != nil {
		return nil, err
	}

	labels, err := s.store.ListSourceLabels(ctx, classifier.SourceID)
	if err != nil {
		return nil, fmt.Errorf("listing classifier labels: %w", err)
	}
	labelIDs := make([]uuid.UUID, len(labels))
	for i, l := range labels {
		labelIDs[i] = l.ID
	}

	now := time.Now().UTC()
	apiJob := &models.ApiJob{
		ID:        uuid.New(),
		Type:      models.ApiJobTypeDeploy,
		UserID:    userID,
		CreatedAt: now,
	}

	units := make([]*models.ApiJobUnit, len(req.Data))
	jobs := make([]*models.Job, len(req.Data))
	payloads := make([]messages.ClassifyPayload, len(req.Data))

	for i, img := range req.Data {
		unitID := uuid.New()
		featureKey := vision.FeatureKey(img.Attributes.URL)

		payloads[i] = messages.ClassifyPayload{
			ImageURL:     img.Attributes.URL,
			FeatureKey:   featureKey,
			ClassifierID: classifier.ID,
			LabelIDs:     labelIDs,
			Points:       img.Attributes.Points,
		}
		requestJSON, err := json.Marshal(payloads[i])
		if err != nil {
			return nil, fmt.Errorf("encoding unit request: %w", err)
		}

		jobs[i] = &models.Job{
			ID:             uuid.New(),
			JobType:        models.JobClassifyImage,
			ArgIdentifier:  unitID.String(),
			Status:         models.JobStatusPending,
			ScheduledStart: now,
			CreatedAt:      now,
			ModifiedAt:     now,
		}
		units[i] = &models.ApiJobUnit{
			ID:            unitID,
			ApiJobID:      apiJob.ID,
			OrderInParent: i,
			InternalJobID: jobs[i].ID,
			FeatureKey:    featureKey,
			RequestJSON:   requestJSON,
			CreatedAt:     now,
		}
	}

	if err := s.store.CreateApiJobWithUnits(ctx, apiJob, units, jobs); err != nil {
		return nil, fmt.Errorf("persisting deploy job: %w", err)
	}

	// Dispatch happens after the transaction: a unit whose dispatch fails
	// just stays pending and is picked up when its features land.
	for i := range units {
		s.dispatchUnit(ctx, units[i], jobs[i], payloads[i])
	}

	slog.Info("deploy job accepted",
		"api_job_id", apiJob.ID, "user_id", userID,
		"classifier_id", classifier.ID, "units", len(units))
	return apiJob, nil
}

// dispatchUnit submits the unit's classification directly when its features
// are already in blob storage, or queues the extraction that will release it.
func (s *Service) dispatchUnit(ctx context.Context, unit *models.ApiJobUnit, classifyJob *models.Job, payload messages.ClassifyPayload) {
	if !classifyJob.Due(time.Now().UTC()) {
		return
	}
	if s.featuresCached(ctx, unit.FeatureKey) {
		submit, err := messages.NewSubmit(models.JobClassifyImage, classifyJob.ID, "", payload)
		if err != nil {
			slog.Error("building classify submit", "unit_id", unit.ID, "error", err)
			return
		}
		if err := s.backend.Submit(ctx, submit); err != nil {
			slog.Error("submitting classification", "unit_id", unit.ID, "error", err)
			return
		}
		if _, err := s.ledger.Start(ctx, classifyJob.ID); err != nil {
			slog.Error("starting classification job", "job_id", classifyJob.ID, "error", err)
		}
		return
	}

	// Extraction is deduplicated on the feature key, so many units for the
	// same image share one extraction pass.
	extractJob, err := s.ledger.Queue(ctx, models.JobExtractFeatures, unit.FeatureKey)
	if err != nil {
		slog.Error("queueing feature extraction", "unit_id", unit.ID, "error", err)
		return
	}
	if extractJob.Status != models.JobStatusPending {
		return
	}

	submit, err := messages.NewSubmit(models.JobExtractFeatures, extractJob.ID, "", messages.ExtractPayload{
		ImageURL:   payload.ImageURL,
		FeatureKey: unit.FeatureKey,
		Points:     payload.Points,
	})
	if err != nil {
		slog.Error("building extract submit", "unit_id", unit.ID, "error", err)
		return
	}
	if err := s.backend.Submit(ctx, submit); err != nil {
		slog.Error("submitting extraction", "job_id", extractJob.ID, "error", err)
		return
	}
	if _, err := s.ledger.Start(ctx, extractJob.ID); err != nil {
		slog.Error("starting extraction job", "job_id", extractJob.ID, "error", err)
	}
}

// featuresCached checks the cache first, then blob storage, writing back a
// positive answer. A cache or blob error just means "treat as absent".
func (s *Service) featuresCached(ctx context.Context, featureKey string) bool {
	if cached, err := s.cache.FeaturesExist(ctx, featureKey); err == nil && cached {
		return true
	}
	exists, err := s.blob.Exists(ctx, featureKey)
	if err != nil {
		slog.Warn("blob existence check failed, extracting anyway", "feature_key", featureKey, "error", err)
		return false
	}
	if exists {
		_ = s.cache.MarkFeaturesExist(ctx, featureKey, featureExistsTTL)
	}
	return exists
}

// Status folds the unit jobs of one ApiJob into its aggregate status. Only
// the owning user sees the job; anyone else gets not-found.
func (s *Service) Status(ctx context.Context, userID, apiJobID uuid.UUID) (vision.Aggregate, error) {
	units, err := s.loadOwnedUnits(ctx, userID, apiJobID)
	if err != nil {
		return vision.Aggregate{}, err
	}
	unitJobs := make([]models.Job, len(units))
	for i, uw := range units {
		unitJobs[i] = uw.Job
	}
	return vision.Fold(unitJobs), nil
}

// ImageResult is the per-image entry of an assembled deploy result, in the
// caller's original input order. Exactly one of Points or Errors is set.
type ImageResult struct {
	URL    string               `json:"url"`
	Points []vision.PointResult `json:"points,omitempty"`
	Errors []string             `json:"errors,omitempty"`
}

// Results assembles per-image outcomes in order_in_parent order, independent
// of completion order. Partial failure stays done: failed units carry their
// error message alongside successful neighbours. ErrNotDone while any unit
// is non-terminal.
func (s *Service) Results(ctx context.Context, userID, apiJobID uuid.UUID) ([]ImageResult, error) {
	units, err := s.loadOwnedUnits(ctx, userID, apiJobID)
	if err != nil {
		return nil, err
	}

	for _, uw := range units {
		if !uw.Job.Terminal() {
			return nil, ErrNotDone
		}
	}

	results := make([]ImageResult, len(units))
	for i, uw := range units {
		var payload messages.ClassifyPayload
		if err := json.Unmarshal(uw.Unit.RequestJSON, &payload); err != nil {
			return nil, fmt.Errorf("decoding unit request: %w", err)
		}
		results[i].URL = payload.ImageURL

		if uw.Job.Status != models.JobStatusSuccess {
			message := uw.Job.ResultMessage
			if message == "" {
				message = "classification failed"
			}
			results[i].Errors = []string{message}
			continue
		}

		var out vision.ClassifyOutput
		if err := json.Unmarshal(uw.Unit.ResultJSON, &out); err != nil {
			return nil, fmt.Errorf("decoding unit result: %w", err)
		}
		results[i].Points = out.Points
	}
	return results, nil
}

func (s *Service) loadOwnedUnits(ctx context.Context, userID, apiJobID uuid.UUID) ([]store.UnitWithJob, error) {
	apiJob, err := s.store.GetApiJob(ctx, apiJobID)
	if err != nil {
		return nil, err
	}
	// Ownership failures are indistinguishable from absence, so job ids do
	// not leak across users.
	if apiJob.UserID != userID {
		return nil, store.ErrNotFound
	}
	units, err := s.store.ListUnitsWithJobs(ctx, apiJobID)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	return units, nil
}
