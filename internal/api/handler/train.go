package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/api/response"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/internal/train"
	"github.com/oceanvision/reefscan/pkg/models"
)

// Trainer is the training-policy surface the admin handler depends on.
type Trainer interface {
	QueueTraining(ctx context.Context, sourceID uuid.UUID, forced bool) (*models.Job, error)
}

// NewTrainHandler returns an http.HandlerFunc for
// POST /api/v1/admin/sources/{sourceID}/train. An optional JSON body with
// {"forced": true} bypasses the eligibility and cool-down gates.
func NewTrainHandler(svc Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID, err := uuid.Parse(chi.URLParam(r, "sourceID"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "SOURCE_NOT_FOUND", "Source not found", nil)
			return
		}

		var body struct {
			Forced bool `json:"forced"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		j, err := svc.QueueTraining(r.Context(), sourceID, body.Forced)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "SOURCE_NOT_FOUND", "Source not found", nil)
			case errors.Is(err, train.ErrNotEligible):
				response.Error(w, http.StatusConflict, "NOT_ELIGIBLE",
					"Source does not meet the training criteria", nil)
			case errors.Is(err, train.ErrCoolingDown):
				response.Error(w, http.StatusConflict, "TRAINING_COOLDOWN",
					"A recent training run failed, retry later or force", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, j)
	}
}
