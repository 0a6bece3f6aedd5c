package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/oceanvision/reefscan/internal/api/middleware"
	"github.com/oceanvision/reefscan/internal/api/response"
	"github.com/oceanvision/reefscan/internal/deploy"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/internal/vision"
	"github.com/oceanvision/reefscan/pkg/models"
)

// Deployer defines the deploy-pipeline interface the handlers depend on.
type Deployer interface {
	Submit(ctx context.Context, userID, classifierID uuid.UUID, req *deploy.Request) (*models.ApiJob, error)
	Status(ctx context.Context, userID, apiJobID uuid.UUID) (vision.Aggregate, error)
	Results(ctx context.Context, userID, apiJobID uuid.UUID) ([]deploy.ImageResult, error)
}

func deployStatusURL(apiJobID uuid.UUID) string {
	return fmt.Sprintf("/api/v1/deploy_jobs/%s/status", apiJobID)
}

func deployResultURL(apiJobID uuid.UUID) string {
	return fmt.Sprintf("/api/v1/deploy_jobs/%s/result", apiJobID)
}

// NewDeployHandler returns an http.HandlerFunc for
// POST /api/v1/classifiers/{classifierID}/deploy.
func NewDeployHandler(svc Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		classifierID, err := uuid.Parse(chi.URLParam(r, "classifierID"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "CLASSIFIER_NOT_FOUND", "Classifier not found", nil)
			return
		}

		var req deploy.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		apiJob, err := svc.Submit(r.Context(), userID, classifierID, &req)
		if err != nil {
			var vErr *deploy.ValidationError
			var qErr *deploy.QuotaError
			switch {
			case errors.As(err, &vErr):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", vErr.Detail,
					map[string]string{"pointer": vErr.Pointer})
			case errors.As(err, &qErr):
				response.Error(w, http.StatusTooManyRequests, "JOB_LIMIT_REACHED", qErr.Error(),
					map[string]any{"limit": qErr.Limit, "active_job_ids": qErr.ActiveJobIDs})
			case errors.Is(err, store.ErrNotFound), errors.Is(err, deploy.ErrClassifierNotDeployable):
				response.Error(w, http.StatusNotFound, "CLASSIFIER_NOT_FOUND", "Classifier not found", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.AcceptedAt(w, deployStatusURL(apiJob.ID), deployJobResponse{
			ID:        apiJob.ID,
			Type:      apiJob.Type,
			StatusURL: deployStatusURL(apiJob.ID),
		})
	}
}

// NewDeployStatusHandler returns an http.HandlerFunc for
// GET /api/v1/deploy_jobs/{jobID}/status. A completed job answers with a 303
// to the result resource instead of re-serving status.
func NewDeployStatusHandler(svc Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		apiJobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Deploy job not found", nil)
			return
		}

		agg, err := svc.Status(r.Context(), userID, apiJobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Deploy job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		if agg.Status == models.ApiJobDone {
			response.SeeOther(w, r, deployResultURL(apiJobID))
			return
		}

		response.JSON(w, deployStatusResponse{
			Status:    agg.Status,
			Successes: agg.Successes,
			Failures:  agg.Failures,
			Total:     agg.Total,
		})
	}
}

// NewDeployResultHandler returns an http.HandlerFunc for
// GET /api/v1/deploy_jobs/{jobID}/result.
func NewDeployResultHandler(svc Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		apiJobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Deploy job not found", nil)
			return
		}

		results, err := svc.Results(r.Context(), userID, apiJobID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Deploy job not found", nil)
			case errors.Is(err, deploy.ErrNotDone):
				response.Error(w, http.StatusConflict, "JOB_NOT_DONE",
					"Deploy job is still in progress", map[string]string{"status_url": deployStatusURL(apiJobID)})
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, deployResultResponse{Images: results})
	}
}

type deployJobResponse struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	StatusURL string    `json:"status_url"`
}

type deployStatusResponse struct {
	Status    string `json:"status"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Total     int    `json:"total"`
}

type deployResultResponse struct {
	Images []deploy.ImageResult `json:"images"`
}
