// Package vision holds the pure domain computations of the orchestration
// layer: feature-key derivation, top-K score selection, and the aggregate
// status fold over a parent job's units.
package vision

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/pkg/models"
)

// LabelScore is one scored label retained for a point after top-K selection.
type LabelScore struct {
	LabelID     uuid.UUID `json:"label_id"`
	LabelName   string    `json:"label_name"`
	DefaultCode string    `json:"default_code"`
	Score       float64   `json:"score"`
}

// PointResult is the stored classification output for one point: the top-K
// label scores, descending.
type PointResult struct {
	Row    int          `json:"row"`
	Column int          `json:"column"`
	Scores []LabelScore `json:"scores"`
}

// ClassifyOutput is the result_json shape persisted on a finished unit.
type ClassifyOutput struct {
	Points []PointResult `json:"points"`
}

// FeatureKey derives the blob-storage key for an image URL. Content-addressed
// so the same image shares cached features across deploy jobs.
func FeatureKey(imageURL string) string {
	hash := sha256.Sum256([]byte(imageURL))
	return fmt.Sprintf("%x", hash)
}

// TopK pairs raw classifier scores with their labels and keeps the k highest,
// sorted descending. Scores and labels are parallel slices. Ties keep label
// insertion order (stable sort) so output is deterministic.
func TopK(scores []float64, labels []*models.Label, k int) []LabelScore {
	n := len(scores)
	if len(labels) < n {
		n = len(labels)
	}

	out := make([]LabelScore, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, LabelScore{
			LabelID:     labels[i].ID,
			LabelName:   labels[i].Name,
			DefaultCode: labels[i].DefaultCode,
			Score:       scores[i],
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Aggregate is the derived status of an ApiJob, computed from its units'
// underlying Jobs at read time so it can never go stale against the ledger.
type Aggregate struct {
	Status    string
	Successes int
	Failures  int
	Total     int
}

// Fold computes the aggregate status from unit job statuses. A parent with
// any non-terminal unit is in progress; pending only while no unit has
// started; done once every unit is terminal. Partial failure stays done.
func Fold(jobs []models.Job) Aggregate {
	agg := Aggregate{Total: len(jobs)}

	started := false
	for _, j := range jobs {
		switch j.Status {
		case models.JobStatusSuccess:
			agg.Successes++
			started = true
		case models.JobStatusFailure:
			agg.Failures++
			started = true
		case models.JobStatusInProgress:
			started = true
		}
	}

	switch {
	case agg.Successes+agg.Failures == agg.Total && agg.Total > 0:
		agg.Status = models.ApiJobDone
	case started:
		agg.Status = models.ApiJobInProgress
	default:
		agg.Status = models.ApiJobPending
	}
	return agg
}
