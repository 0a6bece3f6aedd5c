package models

import (
	"time"

	"github.com/google/uuid"
)

// Source is a collection of images sharing one labelset and one lineage of
// trained classifiers.
type Source struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Label is a global annotation label. Sources reference a subset of labels
// as their labelset.
type Label struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Name        string    `db:"name"         json:"name"`
	DefaultCode string    `db:"default_code" json:"default_code"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}

// Image is a source image tracked for training. Confirmed means a human has
// verified all of its point annotations; only confirmed images count toward
// training eligibility.
type Image struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	SourceID     uuid.UUID `db:"source_id"     json:"source_id"`
	URL          string    `db:"url"           json:"url"`
	FeatureKey   string    `db:"feature_key"   json:"feature_key"`
	HasFeatures  bool      `db:"has_features"  json:"has_features"`
	Confirmed    bool      `db:"confirmed"     json:"confirmed"`
	ConfirmedAt  *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}
