package models

import (
	"time"

	"github.com/google/uuid"
)

// Classifier is one trained model for a source. At most one valid classifier
// per source is active for classification at any time; a newly trained one
// only becomes active after passing the improvement threshold against the
// previously active classifier.
type Classifier struct {
	ID             uuid.UUID `db:"id"               json:"id"`
	SourceID       uuid.UUID `db:"source_id"        json:"source_id"`
	Valid          bool      `db:"valid"            json:"valid"`
	Accuracy       float64   `db:"accuracy"         json:"accuracy"`
	NbrTrainImages int       `db:"nbr_train_images" json:"nbr_train_images"`
	RuntimeTrain   int64     `db:"runtime_train"    json:"runtime_train"` // milliseconds
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
}
