package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrStaleTransition is returned when a status transition targets a job
	// that is already terminal. Collectors treat it as a no-op signal.
	ErrStaleTransition = errors.New("job already terminal")

	// ErrJobNotTerminal is returned when deleting a job that has not finished.
	ErrJobNotTerminal = errors.New("job not terminal")

	// ErrActiveClassifierChanged is returned by PromoteClassifier when the
	// active classifier no longer matches the caller's expectation.
	ErrActiveClassifierChanged = errors.New("active classifier changed")
)

// UnitWithJob pairs an ApiJobUnit with its underlying internal Job, loaded in
// one query so aggregate status folds never see a unit without its job.
type UnitWithJob struct {
	Unit models.ApiJobUnit
	Job  models.Job
}

// JobFilter narrows admin job listings.
type JobFilter struct {
	Status  string
	JobType string
	Limit   int
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Users and API keys
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	// Internal job ledger. CreateJob returns ErrDuplicateKey when another
	// non-terminal job with the same (type, arg) already exists; callers go
	// through FindNonTerminalJob first and fall back on the existing row.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FindNonTerminalJob(ctx context.Context, jobType, argIdentifier string) (*models.Job, error)
	StartJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FinishJob(ctx context.Context, id uuid.UUID, status, resultMessage string) (*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// ApiJobs. CreateApiJobWithUnits persists the parent, its ordered units,
	// and their internal jobs in one transaction so admission failures never
	// leave partial state behind.
	CreateApiJobWithUnits(ctx context.Context, apiJob *models.ApiJob, units []*models.ApiJobUnit, jobs []*models.Job) error
	GetApiJob(ctx context.Context, id uuid.UUID) (*models.ApiJob, error)
	ListUnitsWithJobs(ctx context.Context, apiJobID uuid.UUID) ([]UnitWithJob, error)
	GetUnitByJobID(ctx context.Context, jobID uuid.UUID) (*models.ApiJobUnit, error)
	SetUnitResult(ctx context.Context, unitID uuid.UUID, resultJSON []byte) error
	ListUnitsAwaitingFeatures(ctx context.Context, featureKey string) ([]UnitWithJob, error)
	CountActiveApiJobs(ctx context.Context, userID uuid.UUID) (int, error)
	ListActiveApiJobIDs(ctx context.Context, userID uuid.UUID, limit int) ([]uuid.UUID, error)

	// Sources, labels, images
	CreateSource(ctx context.Context, source *models.Source) error
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	CreateLabel(ctx context.Context, label *models.Label) error
	GetLabelsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Label, error)
	SetSourceLabels(ctx context.Context, sourceID uuid.UUID, labelIDs []uuid.UUID) error
	ListSourceLabels(ctx context.Context, sourceID uuid.UUID) ([]*models.Label, error)
	CreateImage(ctx context.Context, image *models.Image) error
	ConfirmImage(ctx context.Context, id uuid.UUID) error
	CountConfirmedImages(ctx context.Context, sourceID uuid.UUID) (int, error)
	ListConfirmedFeatureKeys(ctx context.Context, sourceID uuid.UUID) ([]string, error)

	// Classifiers. PromoteClassifier swaps the per-source active pointer in
	// one transaction, conditional on the currently active classifier still
	// being expectedActive (nil means "no active classifier yet").
	CreateClassifier(ctx context.Context, c *models.Classifier) error
	GetClassifier(ctx context.Context, id uuid.UUID) (*models.Classifier, error)
	GetActiveClassifier(ctx context.Context, sourceID uuid.UUID) (*models.Classifier, error)
	GetLatestClassifier(ctx context.Context, sourceID uuid.UUID) (*models.Classifier, error)
	SetClassifierResult(ctx context.Context, id uuid.UUID, accuracy float64, runtimeMs int64) error
	PromoteClassifier(ctx context.Context, id uuid.UUID, expectedActive *uuid.UUID) error
}
