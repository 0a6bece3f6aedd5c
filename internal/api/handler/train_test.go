package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/internal/train"
	"github.com/oceanvision/reefscan/pkg/models"
)

type mockTrainer struct {
	fn func(sourceID uuid.UUID, forced bool) (*models.Job, error)
}

func (m *mockTrainer) QueueTraining(_ context.Context, sourceID uuid.UUID, forced bool) (*models.Job, error) {
	return m.fn(sourceID, forced)
}

func TestTrainHandler_Accepted(t *testing.T) {
	sourceID := uuid.New()
	var gotSource uuid.UUID
	var gotForced bool
	mock := &mockTrainer{fn: func(id uuid.UUID, forced bool) (*models.Job, error) {
		gotSource, gotForced = id, forced
		return &models.Job{ID: uuid.New(), JobType: models.JobTrainClassifier, Status: models.JobStatusInProgress}, nil
	}}

	h := NewTrainHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/train", nil)
	h.ServeHTTP(rec, withURLParam(r, "sourceID", sourceID.String()))

	data := parseData(t, rec, http.StatusAccepted)
	if data["job_type"] != models.JobTrainClassifier {
		t.Errorf("unexpected job type: %v", data["job_type"])
	}
	if gotSource != sourceID || gotForced {
		t.Errorf("unexpected call: source %s forced %v", gotSource, gotForced)
	}
}

func TestTrainHandler_Forced(t *testing.T) {
	var gotForced bool
	mock := &mockTrainer{fn: func(id uuid.UUID, forced bool) (*models.Job, error) {
		gotForced = forced
		return &models.Job{ID: uuid.New()}, nil
	}}

	h := NewTrainHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/train", bytes.NewReader([]byte(`{"forced":true}`)))
	h.ServeHTTP(rec, withURLParam(r, "sourceID", uuid.NewString()))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !gotForced {
		t.Error("expected forced flag to be forwarded")
	}
}

func TestTrainHandler_NotEligible(t *testing.T) {
	mock := &mockTrainer{fn: func(id uuid.UUID, forced bool) (*models.Job, error) {
		return nil, train.ErrNotEligible
	}}

	h := NewTrainHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/train", nil)
	h.ServeHTTP(rec, withURLParam(r, "sourceID", uuid.NewString()))

	status, code := parseErr(t, rec)
	if status != http.StatusConflict || code != "NOT_ELIGIBLE" {
		t.Fatalf("expected 409 NOT_ELIGIBLE, got %d %s", status, code)
	}
}

func TestTrainHandler_CoolingDown(t *testing.T) {
	mock := &mockTrainer{fn: func(id uuid.UUID, forced bool) (*models.Job, error) {
		return nil, train.ErrCoolingDown
	}}

	h := NewTrainHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/train", nil)
	h.ServeHTTP(rec, withURLParam(r, "sourceID", uuid.NewString()))

	status, code := parseErr(t, rec)
	if status != http.StatusConflict || code != "TRAINING_COOLDOWN" {
		t.Fatalf("expected 409 TRAINING_COOLDOWN, got %d %s", status, code)
	}
}

func TestTrainHandler_SourceNotFound(t *testing.T) {
	mock := &mockTrainer{fn: func(id uuid.UUID, forced bool) (*models.Job, error) {
		return nil, store.ErrNotFound
	}}

	h := NewTrainHandler(mock)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/train", nil)
	h.ServeHTTP(rec, withURLParam(r, "sourceID", uuid.NewString()))

	status, code := parseErr(t, rec)
	if status != http.StatusNotFound || code != "SOURCE_NOT_FOUND" {
		t.Fatalf("expected 404 SOURCE_NOT_FOUND, got %d %s", status, code)
	}
}

func TestTrainHandler_BadSourceID(t *testing.T) {
	h := NewTrainHandler(&mockTrainer{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/train", nil)
	h.ServeHTTP(rec, withURLParam(r, "sourceID", "reef-7"))

	status, code := parseErr(t, rec)
	if status != http.StatusNotFound || code != "SOURCE_NOT_FOUND" {
		t.Fatalf("expected 404 SOURCE_NOT_FOUND, got %d %s", status, code)
	}
}
