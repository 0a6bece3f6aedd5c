// Package memory provides an in-memory Store used by unit tests and local
// development. All methods are safe for concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/pkg/models"
)

// Store implements store.Store with mutex-guarded maps.
type Store struct {
	mu sync.Mutex

	users        map[uuid.UUID]models.User
	apiKeys      map[uuid.UUID]models.APIKey
	jobs         map[uuid.UUID]models.Job
	apiJobs      map[uuid.UUID]models.ApiJob
	units        map[uuid.UUID]models.ApiJobUnit
	sources      map[uuid.UUID]models.Source
	labels       map[uuid.UUID]models.Label
	sourceLabels map[uuid.UUID][]uuid.UUID
	images       map[uuid.UUID]models.Image
	classifiers  map[uuid.UUID]models.Classifier
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		users:        make(map[uuid.UUID]models.User),
		apiKeys:      make(map[uuid.UUID]models.APIKey),
		jobs:         make(map[uuid.UUID]models.Job),
		apiJobs:      make(map[uuid.UUID]models.ApiJob),
		units:        make(map[uuid.UUID]models.ApiJobUnit),
		sources:      make(map[uuid.UUID]models.Source),
		labels:       make(map[uuid.UUID]models.Label),
		sourceLabels: make(map[uuid.UUID][]uuid.UUID),
		images:       make(map[uuid.UUID]models.Image),
		classifiers:  make(map[uuid.UUID]models.Classifier),
	}
}

func (s *Store) Ping(_ context.Context) error { return nil }

// --- Users ---

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username {
			return store.ErrDuplicateKey
		}
	}
	s.users[user.ID] = *user
	return nil
}

// --- API keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			key := k
			out = append(out, &key)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	s.apiKeys[id] = k
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key.ID] = *key
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.UserID == userID && k.DeletedAt == nil {
			key := k
			out = append(out, &key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.UserID != userID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	s.apiKeys[id] = k
	return nil
}

// --- Internal jobs ---

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createJobLocked(job)
}

func (s *Store) createJobLocked(job *models.Job) error {
	for _, j := range s.jobs {
		if j.JobType == job.JobType && j.ArgIdentifier == job.ArgIdentifier && !j.Terminal() {
			return store.ErrDuplicateKey
		}
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (s *Store) FindNonTerminalJob(_ context.Context, jobType, argIdentifier string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.JobType == jobType && j.ArgIdentifier == argIdentifier && !j.Terminal() {
			job := j
			return &job, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) StartJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return nil, store.ErrStaleTransition
	}
	j.Status = models.JobStatusInProgress
	j.Attempts++
	j.ModifiedAt = time.Now().UTC()
	s.jobs[id] = j
	return &j, nil
}

func (s *Store) FinishJob(_ context.Context, id uuid.UUID, status, resultMessage string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Terminal() {
		return nil, store.ErrStaleTransition
	}
	j.Status = status
	j.ResultMessage = resultMessage
	j.ModifiedAt = time.Now().UTC()
	s.jobs[id] = j
	return &j, nil
}

func (s *Store) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !j.Terminal() {
		return store.ErrJobNotTerminal
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		job := j
		out = append(out, &job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ApiJobs ---

func (s *Store) CreateApiJobWithUnits(_ context.Context, apiJob *models.ApiJob, units []*models.ApiJobUnit, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if err := s.createJobLocked(job); err != nil {
			return err
		}
	}
	s.apiJobs[apiJob.ID] = *apiJob
	for _, u := range units {
		s.units[u.ID] = *u
	}
	return nil
}

func (s *Store) GetApiJob(_ context.Context, id uuid.UUID) (*models.ApiJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apiJobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) ListUnitsWithJobs(_ context.Context, apiJobID uuid.UUID) ([]store.UnitWithJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.UnitWithJob
	for _, u := range s.units {
		if u.ApiJobID != apiJobID {
			continue
		}
		out = append(out, store.UnitWithJob{Unit: u, Job: s.jobs[u.InternalJobID]})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Unit.OrderInParent < out[j].Unit.OrderInParent
	})
	return out, nil
}

func (s *Store) GetUnitByJobID(_ context.Context, jobID uuid.UUID) (*models.ApiJobUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.units {
		if u.InternalJobID == jobID {
			unit := u
			return &unit, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetUnitResult(_ context.Context, unitID uuid.UUID, resultJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return store.ErrNotFound
	}
	u.ResultJSON = append([]byte(nil), resultJSON...)
	s.units[unitID] = u
	return nil
}

func (s *Store) ListUnitsAwaitingFeatures(_ context.Context, featureKey string) ([]store.UnitWithJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.UnitWithJob
	for _, u := range s.units {
		if u.FeatureKey != featureKey {
			continue
		}
		j := s.jobs[u.InternalJobID]
		if j.Status != models.JobStatusPending {
			continue
		}
		out = append(out, store.UnitWithJob{Unit: u, Job: j})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Unit.CreatedAt.Before(out[j].Unit.CreatedAt)
	})
	return out, nil
}

func (s *Store) CountActiveApiJobs(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeApiJobIDsLocked(userID)), nil
}

func (s *Store) ListActiveApiJobIDs(_ context.Context, userID uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.activeApiJobIDsLocked(userID)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) activeApiJobIDsLocked(userID uuid.UUID) []uuid.UUID {
	active := make(map[uuid.UUID]bool)
	for _, u := range s.units {
		j := s.jobs[u.InternalJobID]
		if j.Terminal() {
			continue
		}
		parent, ok := s.apiJobs[u.ApiJobID]
		if ok && parent.UserID == userID {
			active[parent.ID] = true
		}
	}
	ids := make([]uuid.UUID, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.apiJobs[ids[i]].CreatedAt.Before(s.apiJobs[ids[j]].CreatedAt)
	})
	return ids
}

// --- Sources, labels, images ---

func (s *Store) CreateSource(_ context.Context, source *models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[source.ID] = *source
	return nil
}

func (s *Store) GetSource(_ context.Context, id uuid.UUID) (*models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &src, nil
}

func (s *Store) CreateLabel(_ context.Context, label *models.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[label.ID] = *label
	return nil
}

func (s *Store) GetLabelsByIDs(_ context.Context, ids []uuid.UUID) ([]*models.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Label
	for _, id := range ids {
		if l, ok := s.labels[id]; ok {
			label := l
			out = append(out, &label)
		}
	}
	return out, nil
}

func (s *Store) SetSourceLabels(_ context.Context, sourceID uuid.UUID, labelIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceLabels[sourceID] = append([]uuid.UUID(nil), labelIDs...)
	return nil
}

func (s *Store) ListSourceLabels(_ context.Context, sourceID uuid.UUID) ([]*models.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Label
	for _, id := range s.sourceLabels[sourceID] {
		if l, ok := s.labels[id]; ok {
			label := l
			out = append(out, &label)
		}
	}
	return out, nil
}

func (s *Store) CreateImage(_ context.Context, image *models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image.ID] = *image
	return nil
}

func (s *Store) ConfirmImage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	img.Confirmed = true
	img.ConfirmedAt = &now
	s.images[id] = img
	return nil
}

func (s *Store) CountConfirmedImages(_ context.Context, sourceID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, img := range s.images {
		if img.SourceID == sourceID && img.Confirmed {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListConfirmedFeatureKeys(_ context.Context, sourceID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type keyed struct {
		key string
		at  time.Time
	}
	var tmp []keyed
	for _, img := range s.images {
		if img.SourceID == sourceID && img.Confirmed {
			tmp = append(tmp, keyed{img.FeatureKey, img.CreatedAt})
		}
	}
	sort.Slice(tmp, func(i, j int) bool { return tmp[i].at.Before(tmp[j].at) })
	keys := make([]string, len(tmp))
	for i, k := range tmp {
		keys[i] = k.key
	}
	return keys, nil
}

// --- Classifiers ---

func (s *Store) CreateClassifier(_ context.Context, c *models.Classifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifiers[c.ID] = *c
	return nil
}

func (s *Store) GetClassifier(_ context.Context, id uuid.UUID) (*models.Classifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.classifiers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetActiveClassifier(_ context.Context, sourceID uuid.UUID) (*models.Classifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.activeClassifierLocked(sourceID)
	if c == nil {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) activeClassifierLocked(sourceID uuid.UUID) *models.Classifier {
	var best *models.Classifier
	for _, c := range s.classifiers {
		if c.SourceID != sourceID || !c.Valid {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			cc := c
			best = &cc
		}
	}
	return best
}

func (s *Store) GetLatestClassifier(_ context.Context, sourceID uuid.UUID) (*models.Classifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Classifier
	for _, c := range s.classifiers {
		if c.SourceID != sourceID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			cc := c
			latest = &cc
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) SetClassifierResult(_ context.Context, id uuid.UUID, accuracy float64, runtimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.classifiers[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Accuracy = accuracy
	c.RuntimeTrain = runtimeMs
	s.classifiers[id] = c
	return nil
}

func (s *Store) PromoteClassifier(_ context.Context, id uuid.UUID, expectedActive *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.classifiers[id]
	if !ok {
		return store.ErrNotFound
	}

	current := s.activeClassifierLocked(c.SourceID)
	switch {
	case current == nil && expectedActive != nil:
		return store.ErrActiveClassifierChanged
	case current != nil && (expectedActive == nil || current.ID != *expectedActive):
		return store.ErrActiveClassifierChanged
	}

	for cid, other := range s.classifiers {
		if other.SourceID == c.SourceID && other.Valid {
			other.Valid = false
			s.classifiers[cid] = other
		}
	}
	c.Valid = true
	s.classifiers[id] = c
	return nil
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)
