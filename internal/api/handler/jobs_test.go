package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/pkg/models"
)

type mockJobAdmin struct {
	getFn    func(id uuid.UUID) (*models.Job, error)
	listFn   func(filter store.JobFilter) ([]*models.Job, error)
	abortFn  func(id uuid.UUID) (*models.Job, error)
	deleteFn func(id uuid.UUID) error
}

func (m *mockJobAdmin) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	return m.getFn(id)
}

func (m *mockJobAdmin) List(_ context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return m.listFn(filter)
}

func (m *mockJobAdmin) Abort(_ context.Context, id uuid.UUID) (*models.Job, error) {
	return m.abortFn(id)
}

func (m *mockJobAdmin) Delete(_ context.Context, id uuid.UUID) error {
	return m.deleteFn(id)
}

func TestJobListHandler_ForwardsFilter(t *testing.T) {
	var captured store.JobFilter
	mock := &mockJobAdmin{listFn: func(filter store.JobFilter) ([]*models.Job, error) {
		captured = filter
		return []*models.Job{{ID: uuid.New(), JobType: models.JobTrainClassifier}}, nil
	}}

	h := NewJobListHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs?status=failure&type=train_classifier&limit=25", nil)
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Status != "failure" || captured.JobType != "train_classifier" || captured.Limit != 25 {
		t.Errorf("unexpected filter: %+v", captured)
	}
}

func TestJobListHandler_DefaultLimit(t *testing.T) {
	var captured store.JobFilter
	mock := &mockJobAdmin{listFn: func(filter store.JobFilter) ([]*models.Job, error) {
		captured = filter
		return nil, nil
	}}

	h := NewJobListHandler(mock)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured.Limit != defaultJobListLimit {
		t.Errorf("expected default limit %d, got %d", defaultJobListLimit, captured.Limit)
	}
	var env struct {
		Data []any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data == nil {
		t.Error("expected empty array, got null")
	}
}

func TestJobListHandler_BadLimit(t *testing.T) {
	h := NewJobListHandler(&mockJobAdmin{})
	for _, raw := range []string{"0", "-5", "1001", "abc"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs?limit="+raw, nil))
		status, code := parseErr(t, rec)
		if status != http.StatusBadRequest || code != "INVALID_REQUEST" {
			t.Errorf("limit=%s: expected 400 INVALID_REQUEST, got %d %s", raw, status, code)
		}
	}
}

func TestJobGetHandler_NotFound(t *testing.T) {
	mock := &mockJobAdmin{getFn: func(id uuid.UUID) (*models.Job, error) {
		return nil, store.ErrNotFound
	}}

	h := NewJobGetHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/job", nil)
	h.ServeHTTP(rec, withURLParam(r, "jobID", uuid.NewString()))

	status, code := parseErr(t, rec)
	if status != http.StatusNotFound || code != "JOB_NOT_FOUND" {
		t.Fatalf("expected 404 JOB_NOT_FOUND, got %d %s", status, code)
	}
}

func TestJobAbortHandler_Success(t *testing.T) {
	jobID := uuid.New()
	mock := &mockJobAdmin{abortFn: func(id uuid.UUID) (*models.Job, error) {
		return &models.Job{ID: id, Status: models.JobStatusFailure, ResultMessage: "Aborted manually"}, nil
	}}

	h := NewJobAbortHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/abort", nil)
	h.ServeHTTP(rec, withURLParam(r, "jobID", jobID.String()))

	data := parseData(t, rec, http.StatusOK)
	if data["status"] != models.JobStatusFailure {
		t.Errorf("unexpected status: %v", data["status"])
	}
	if data["result_message"] != "Aborted manually" {
		t.Errorf("unexpected result message: %v", data["result_message"])
	}
}

func TestJobAbortHandler_AlreadyTerminal(t *testing.T) {
	mock := &mockJobAdmin{abortFn: func(id uuid.UUID) (*models.Job, error) {
		return nil, store.ErrStaleTransition
	}}

	h := NewJobAbortHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/abort", nil)
	h.ServeHTTP(rec, withURLParam(r, "jobID", uuid.NewString()))

	status, code := parseErr(t, rec)
	if status != http.StatusConflict || code != "JOB_ALREADY_TERMINAL" {
		t.Fatalf("expected 409 JOB_ALREADY_TERMINAL, got %d %s", status, code)
	}
}

func TestJobDeleteHandler_Success(t *testing.T) {
	var deleted uuid.UUID
	mock := &mockJobAdmin{deleteFn: func(id uuid.UUID) error {
		deleted = id
		return nil
	}}

	jobID := uuid.New()
	h := NewJobDeleteHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/job", nil)
	h.ServeHTTP(rec, withURLParam(r, "jobID", jobID.String()))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if deleted != jobID {
		t.Errorf("expected delete of %s, got %s", jobID, deleted)
	}
}

func TestJobDeleteHandler_NotTerminal(t *testing.T) {
	mock := &mockJobAdmin{deleteFn: func(id uuid.UUID) error {
		return store.ErrJobNotTerminal
	}}

	h := NewJobDeleteHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/job", nil)
	h.ServeHTTP(rec, withURLParam(r, "jobID", uuid.NewString()))

	status, code := parseErr(t, rec)
	if status != http.StatusConflict || code != "JOB_NOT_TERMINAL" {
		t.Fatalf("expected 409 JOB_NOT_TERMINAL, got %d %s", status, code)
	}
}
