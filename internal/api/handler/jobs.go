package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/api/response"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/pkg/models"
)

const defaultJobListLimit = 100

// JobAdmin is the ledger surface the admin job handlers depend on.
type JobAdmin interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	Abort(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// NewJobListHandler returns an http.HandlerFunc for GET /api/v1/admin/jobs.
// Supports status, type and limit query parameters.
func NewJobListHandler(svc JobAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{
			Status:  r.URL.Query().Get("status"),
			JobType: r.URL.Query().Get("type"),
			Limit:   defaultJobListLimit,
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be an integer between 1 and 1000", nil)
				return
			}
			filter.Limit = n
		}

		jobs, err := svc.List(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.JSON(w, jobs)
	}
}

// NewJobGetHandler returns an http.HandlerFunc for GET /api/v1/admin/jobs/{jobID}.
func NewJobGetHandler(svc JobAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}

		j, err := svc.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, j)
	}
}

// NewJobAbortHandler returns an http.HandlerFunc for
// POST /api/v1/admin/jobs/{jobID}/abort.
func NewJobAbortHandler(svc JobAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}

		j, err := svc.Abort(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			case errors.Is(err, store.ErrStaleTransition):
				response.Error(w, http.StatusConflict, "JOB_ALREADY_TERMINAL",
					"Job has already finished", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}
		response.JSON(w, j)
	}
}

// NewJobDeleteHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/jobs/{jobID}. Only terminal jobs can be deleted.
func NewJobDeleteHandler(svc JobAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			case errors.Is(err, store.ErrJobNotTerminal):
				response.Error(w, http.StatusConflict, "JOB_NOT_TERMINAL",
					"Job must finish or be aborted before deletion", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
