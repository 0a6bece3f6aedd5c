package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusSuccess    = "success"
	JobStatusFailure    = "failure"
)

// Job types understood by the compute backend.
const (
	JobExtractFeatures = "extract_features"
	JobTrainClassifier = "train_classifier"
	JobClassifyImage   = "classify_image"
)

// Job is one internally tracked unit of asynchronous compute work.
// At most one non-terminal Job may exist for a given (JobType, ArgIdentifier)
// pair; the ledger deduplicates on creation and the jobs table enforces it
// with a partial unique index.
type Job struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	JobType        string    `db:"job_type"        json:"job_type"`
	ArgIdentifier  string    `db:"arg_identifier"  json:"arg_identifier"`
	Status         string    `db:"status"          json:"status"`
	Attempts       int       `db:"attempts"        json:"attempts"`
	ResultMessage  string    `db:"result_message"  json:"result_message,omitempty"`
	ScheduledStart time.Time `db:"scheduled_start" json:"scheduled_start"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	ModifiedAt     time.Time `db:"modified_at"     json:"modified_at"`
}

// Terminal reports whether the job has reached a final state.
// No transition is allowed out of a terminal state except deletion.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusSuccess || j.Status == JobStatusFailure
}

// Due reports whether the job's earliest eligible start time has passed.
// A job queued with a delay must not be submitted to the compute fabric
// before it is due.
func (j *Job) Due(now time.Time) bool {
	return !j.ScheduledStart.After(now)
}
