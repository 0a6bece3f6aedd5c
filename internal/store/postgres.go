package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oceanvision/reefscan/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Internal jobs ---

const jobColumns = `id, job_type, arg_identifier, status, attempts, result_message, scheduled_start, created_at, modified_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, job_type, arg_identifier, status, attempts, result_message, scheduled_start, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.JobType, job.ArgIdentifier, job.Status, job.Attempts,
		job.ResultMessage, job.ScheduledStart, job.CreatedAt, job.ModifiedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.JobType, &j.ArgIdentifier, &j.Status, &j.Attempts,
		&j.ResultMessage, &j.ScheduledStart, &j.CreatedAt, &j.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) FindNonTerminalJob(ctx context.Context, jobType, argIdentifier string) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_type = $1 AND arg_identifier = $2 AND status IN ('pending', 'in_progress')`,
		jobType, argIdentifier,
	).Scan(&j.ID, &j.JobType, &j.ArgIdentifier, &j.Status, &j.Attempts,
		&j.ResultMessage, &j.ScheduledStart, &j.CreatedAt, &j.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find non-terminal job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) StartJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'in_progress', attempts = attempts + 1, modified_at = NOW()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id,
	).Scan(&j.ID, &j.JobType, &j.ArgIdentifier, &j.Status, &j.Attempts,
		&j.ResultMessage, &j.ScheduledStart, &j.CreatedAt, &j.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.staleOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	return &j, nil
}

// staleOrMissing distinguishes a missing job from a non-pending one.
func (s *PostgresStore) staleOrMissing(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrStaleTransition
}

func (s *PostgresStore) FinishJob(ctx context.Context, id uuid.UUID, status, resultMessage string) (*models.Job, error) {
	if status != models.JobStatusSuccess && status != models.JobStatusFailure {
		return nil, fmt.Errorf("finish job: %q is not a terminal status", status)
	}

	var j models.Job
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $2, result_message = $3, modified_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'in_progress')
		 RETURNING `+jobColumns, id, status, resultMessage,
	).Scan(&j.ID, &j.JobType, &j.ArgIdentifier, &j.Status, &j.Attempts,
		&j.ResultMessage, &j.ScheduledStart, &j.CreatedAt, &j.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.staleOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND status IN ('success', 'failure')`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrJobNotTerminal
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.JobType != "" {
		args = append(args, filter.JobType)
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.JobType, &j.ArgIdentifier, &j.Status, &j.Attempts,
			&j.ResultMessage, &j.ScheduledStart, &j.CreatedAt, &j.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// --- ApiJobs ---

func (s *PostgresStore) CreateApiJobWithUnits(ctx context.Context, apiJob *models.ApiJob, units []*models.ApiJobUnit, jobs []*models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin api job tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO api_jobs (id, type, user_id, created_at) VALUES ($1, $2, $3, $4)`,
		apiJob.ID, apiJob.Type, apiJob.UserID, apiJob.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api job: %w", err)
	}

	for _, job := range jobs {
		_, err = tx.Exec(ctx,
			`INSERT INTO jobs (id, job_type, arg_identifier, status, attempts, result_message, scheduled_start, created_at, modified_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			job.ID, job.JobType, job.ArgIdentifier, job.Status, job.Attempts,
			job.ResultMessage, job.ScheduledStart, job.CreatedAt, job.ModifiedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create unit job: %w", err)
		}
	}

	for _, unit := range units {
		_, err = tx.Exec(ctx,
			`INSERT INTO api_job_units (id, api_job_id, order_in_parent, internal_job_id, feature_key, request_json, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			unit.ID, unit.ApiJobID, unit.OrderInParent, unit.InternalJobID,
			unit.FeatureKey, unit.RequestJSON, unit.CreatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create api job unit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit api job tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApiJob(ctx context.Context, id uuid.UUID) (*models.ApiJob, error) {
	var a models.ApiJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, user_id, created_at FROM api_jobs WHERE id = $1`, id,
	).Scan(&a.ID, &a.Type, &a.UserID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api job: %w", err)
	}
	return &a, nil
}

const unitWithJobColumns = `u.id, u.api_job_id, u.order_in_parent, u.internal_job_id, u.feature_key,
	 u.request_json, u.result_json, u.created_at,
	 j.id, j.job_type, j.arg_identifier, j.status, j.attempts, j.result_message,
	 j.scheduled_start, j.created_at, j.modified_at`

func (s *PostgresStore) ListUnitsWithJobs(ctx context.Context, apiJobID uuid.UUID) ([]UnitWithJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+unitWithJobColumns+`
		 FROM api_job_units u
		 JOIN jobs j ON j.id = u.internal_job_id
		 WHERE u.api_job_id = $1
		 ORDER BY u.order_in_parent`, apiJobID)
	if err != nil {
		return nil, fmt.Errorf("list units with jobs: %w", err)
	}
	defer rows.Close()

	return scanUnitsWithJobs(rows)
}

func (s *PostgresStore) GetUnitByJobID(ctx context.Context, jobID uuid.UUID) (*models.ApiJobUnit, error) {
	var u models.ApiJobUnit
	err := s.pool.QueryRow(ctx,
		`SELECT id, api_job_id, order_in_parent, internal_job_id, feature_key, request_json, result_json, created_at
		 FROM api_job_units WHERE internal_job_id = $1`, jobID,
	).Scan(&u.ID, &u.ApiJobID, &u.OrderInParent, &u.InternalJobID, &u.FeatureKey,
		&u.RequestJSON, &u.ResultJSON, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit by job id: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) SetUnitResult(ctx context.Context, unitID uuid.UUID, resultJSON []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_job_units SET result_json = $2 WHERE id = $1`, unitID, resultJSON)
	if err != nil {
		return fmt.Errorf("set unit result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUnitsAwaitingFeatures(ctx context.Context, featureKey string) ([]UnitWithJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+unitWithJobColumns+`
		 FROM api_job_units u
		 JOIN jobs j ON j.id = u.internal_job_id
		 WHERE u.feature_key = $1 AND j.status = 'pending'
		 ORDER BY u.created_at`, featureKey)
	if err != nil {
		return nil, fmt.Errorf("list units awaiting features: %w", err)
	}
	defer rows.Close()

	return scanUnitsWithJobs(rows)
}

func (s *PostgresStore) CountActiveApiJobs(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT a.id)
		 FROM api_jobs a
		 JOIN api_job_units u ON u.api_job_id = a.id
		 JOIN jobs j ON j.id = u.internal_job_id
		 WHERE a.user_id = $1 AND j.status IN ('pending', 'in_progress')`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active api jobs: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListActiveApiJobIDs(ctx context.Context, userID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT a.id, a.created_at
		 FROM api_jobs a
		 JOIN api_job_units u ON u.api_job_id = a.id
		 JOIN jobs j ON j.id = u.internal_job_id
		 WHERE a.user_id = $1 AND j.status IN ('pending', 'in_progress')
		 ORDER BY a.created_at
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active api job ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("scan api job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanUnitsWithJobs(rows pgx.Rows) ([]UnitWithJob, error) {
	var out []UnitWithJob
	for rows.Next() {
		var uw UnitWithJob
		if err := rows.Scan(
			&uw.Unit.ID, &uw.Unit.ApiJobID, &uw.Unit.OrderInParent, &uw.Unit.InternalJobID,
			&uw.Unit.FeatureKey, &uw.Unit.RequestJSON, &uw.Unit.ResultJSON, &uw.Unit.CreatedAt,
			&uw.Job.ID, &uw.Job.JobType, &uw.Job.ArgIdentifier, &uw.Job.Status, &uw.Job.Attempts,
			&uw.Job.ResultMessage, &uw.Job.ScheduledStart, &uw.Job.CreatedAt, &uw.Job.ModifiedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unit with job: %w", err)
		}
		out = append(out, uw)
	}
	return out, rows.Err()
}

// --- Sources, labels, images ---

func (s *PostgresStore) CreateSource(ctx context.Context, source *models.Source) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (id, name, created_at) VALUES ($1, $2, $3)`,
		source.ID, source.Name, source.CreatedAt)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	var src models.Source
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

func (s *PostgresStore) CreateLabel(ctx context.Context, label *models.Label) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO labels (id, name, default_code, created_at) VALUES ($1, $2, $3, $4)`,
		label.ID, label.Name, label.DefaultCode, label.CreatedAt)
	if err != nil {
		return fmt.Errorf("create label: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLabelsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Label, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, default_code, created_at FROM labels WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get labels by ids: %w", err)
	}
	defer rows.Close()

	return scanLabels(rows)
}

func (s *PostgresStore) SetSourceLabels(ctx context.Context, sourceID uuid.UUID, labelIDs []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin labelset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM source_labels WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("clear labelset: %w", err)
	}
	for _, labelID := range labelIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO source_labels (source_id, label_id) VALUES ($1, $2)`, sourceID, labelID); err != nil {
			return fmt.Errorf("add label to labelset: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit labelset tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSourceLabels(ctx context.Context, sourceID uuid.UUID) ([]*models.Label, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.name, l.default_code, l.created_at
		 FROM labels l
		 JOIN source_labels sl ON sl.label_id = l.id
		 WHERE sl.source_id = $1
		 ORDER BY l.created_at`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list source labels: %w", err)
	}
	defer rows.Close()

	return scanLabels(rows)
}

func scanLabels(rows pgx.Rows) ([]*models.Label, error) {
	var labels []*models.Label
	for rows.Next() {
		var l models.Label
		if err := rows.Scan(&l.ID, &l.Name, &l.DefaultCode, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, &l)
	}
	return labels, rows.Err()
}

func (s *PostgresStore) CreateImage(ctx context.Context, image *models.Image) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, source_id, url, feature_key, has_features, confirmed, confirmed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		image.ID, image.SourceID, image.URL, image.FeatureKey,
		image.HasFeatures, image.Confirmed, image.ConfirmedAt, image.CreatedAt)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConfirmImage(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET confirmed = TRUE, confirmed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("confirm image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountConfirmedImages(ctx context.Context, sourceID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM images WHERE source_id = $1 AND confirmed`, sourceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count confirmed images: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListConfirmedFeatureKeys(ctx context.Context, sourceID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT feature_key FROM images
		 WHERE source_id = $1 AND confirmed
		 ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list confirmed feature keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan feature key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Classifiers ---

const classifierColumns = `id, source_id, valid, accuracy, nbr_train_images, runtime_train, created_at`

func (s *PostgresStore) CreateClassifier(ctx context.Context, c *models.Classifier) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO classifiers (id, source_id, valid, accuracy, nbr_train_images, runtime_train, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.SourceID, c.Valid, c.Accuracy, c.NbrTrainImages, c.RuntimeTrain, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClassifier(ctx context.Context, id uuid.UUID) (*models.Classifier, error) {
	var c models.Classifier
	err := s.pool.QueryRow(ctx,
		`SELECT `+classifierColumns+` FROM classifiers WHERE id = $1`, id,
	).Scan(&c.ID, &c.SourceID, &c.Valid, &c.Accuracy, &c.NbrTrainImages, &c.RuntimeTrain, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get classifier: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetActiveClassifier(ctx context.Context, sourceID uuid.UUID) (*models.Classifier, error) {
	var c models.Classifier
	err := s.pool.QueryRow(ctx,
		`SELECT `+classifierColumns+` FROM classifiers
		 WHERE source_id = $1 AND valid
		 ORDER BY created_at DESC LIMIT 1`, sourceID,
	).Scan(&c.ID, &c.SourceID, &c.Valid, &c.Accuracy, &c.NbrTrainImages, &c.RuntimeTrain, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active classifier: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetLatestClassifier(ctx context.Context, sourceID uuid.UUID) (*models.Classifier, error) {
	var c models.Classifier
	err := s.pool.QueryRow(ctx,
		`SELECT `+classifierColumns+` FROM classifiers
		 WHERE source_id = $1
		 ORDER BY created_at DESC LIMIT 1`, sourceID,
	).Scan(&c.ID, &c.SourceID, &c.Valid, &c.Accuracy, &c.NbrTrainImages, &c.RuntimeTrain, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest classifier: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) SetClassifierResult(ctx context.Context, id uuid.UUID, accuracy float64, runtimeMs int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE classifiers SET accuracy = $2, runtime_train = $3 WHERE id = $1`,
		id, accuracy, runtimeMs)
	if err != nil {
		return fmt.Errorf("set classifier result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteClassifier makes classifier id the source's single active classifier.
// The swap runs in one transaction and only proceeds if the currently active
// classifier still matches expectedActive, so two concurrent trainings cannot
// both promote.
func (s *PostgresStore) PromoteClassifier(ctx context.Context, id uuid.UUID, expectedActive *uuid.UUID) error {
	c, err := s.GetClassifier(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promote tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentActive *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM classifiers
		 WHERE source_id = $1 AND valid
		 ORDER BY created_at DESC LIMIT 1
		 FOR UPDATE`, c.SourceID,
	).Scan(&currentActive)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock active classifier: %w", err)
	}

	if !sameClassifier(currentActive, expectedActive) {
		return ErrActiveClassifierChanged
	}

	if _, err := tx.Exec(ctx,
		`UPDATE classifiers SET valid = FALSE WHERE source_id = $1 AND valid AND id <> $2`,
		c.SourceID, id); err != nil {
		return fmt.Errorf("demote classifiers: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE classifiers SET valid = TRUE WHERE id = $1`, id); err != nil {
		// When no active classifier existed there was no row to lock, so
		// two first promotions can race to here. The partial unique index
		// on (source_id) WHERE valid lets only one commit.
		if isDuplicateKeyError(err) {
			return ErrActiveClassifierChanged
		}
		return fmt.Errorf("promote classifier: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return ErrActiveClassifierChanged
		}
		return fmt.Errorf("commit promote tx: %w", err)
	}
	return nil
}

func sameClassifier(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
