package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Aggregate status of an ApiJob, derived from its units' underlying Jobs.
// Never stored; always recomputed at read time.
const (
	ApiJobPending    = "pending"
	ApiJobInProgress = "in_progress"
	ApiJobDone       = "done"
)

// ApiJobTypeDeploy is the only externally visible job type today.
const ApiJobTypeDeploy = "deploy"

// ApiJob is an externally visible, user-facing job. Only the owning user
// may query or retrieve it.
type ApiJob struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Type      string    `db:"type"       json:"type"`
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ApiJobUnit is one sub-task of an ApiJob. OrderInParent preserves the
// caller's original input ordering and is unique within a parent; results
// are always assembled in that order regardless of completion order.
type ApiJobUnit struct {
	ID            uuid.UUID       `db:"id"              json:"id"`
	ApiJobID      uuid.UUID       `db:"api_job_id"      json:"api_job_id"`
	OrderInParent int             `db:"order_in_parent" json:"order_in_parent"`
	InternalJobID uuid.UUID       `db:"internal_job_id" json:"internal_job_id"`
	FeatureKey    string          `db:"feature_key"     json:"feature_key"`
	RequestJSON   json.RawMessage `db:"request_json"    json:"request_json"`
	ResultJSON    json.RawMessage `db:"result_json"     json:"result_json,omitempty"`
	CreatedAt     time.Time       `db:"created_at"      json:"created_at"`
}
