// Package messages defines the wire format crossing the compute queue.
// Submit messages describe one task for an external worker; result messages
// carry the worker's output back to the collector. Both sides are plain JSON
// so the worker fleet does not need to share Go types with this codebase.
package messages

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SubmitMessage is one task description enqueued for the compute fabric.
// Large inputs (feature vectors) are referenced by blob-storage keys in the
// payload rather than inlined.
type SubmitMessage struct {
	TaskType string          `json:"task_type"`
	JobID    uuid.UUID       `json:"job_id"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
}

// ResultMessage is the worker's reply for one submitted task. Exactly one of
// the typed result fields is set, matching TaskType; Error carries a worker
// failure instead.
type ResultMessage struct {
	TaskType string    `json:"task_type"`
	JobID    uuid.UUID `json:"job_id"`
	Queue    string    `json:"queue"`
	Error    string    `json:"error,omitempty"`

	Extract  *ExtractResult  `json:"extract_result,omitempty"`
	Train    *TrainResult    `json:"train_result,omitempty"`
	Classify *ClassifyResult `json:"classify_result,omitempty"`
}

// OK reports whether the worker completed the task without error.
func (m *ResultMessage) OK() bool { return m.Error == "" }

// ExtractPayload is the input for a feature-extraction task.
type ExtractPayload struct {
	ImageURL   string  `json:"image_url"`
	FeatureKey string  `json:"feature_key"`
	Points     []Point `json:"points"`
}

// TrainPayload is the input for a classifier-training task.
type TrainPayload struct {
	SourceID     uuid.UUID   `json:"source_id"`
	ClassifierID uuid.UUID   `json:"classifier_id"`
	LabelIDs     []uuid.UUID `json:"label_ids"`
	FeatureKeys  []string    `json:"feature_keys"`
	Epochs       int         `json:"epochs"`
	// Previously accepted classifiers, evaluated alongside the new model so
	// the improvement check compares accuracies from the same evaluation set.
	PreviousClassifierIDs []uuid.UUID `json:"previous_classifier_ids,omitempty"`
}

// ClassifyPayload is the input for an image-classification task.
type ClassifyPayload struct {
	ImageURL     string      `json:"image_url"`
	FeatureKey   string      `json:"feature_key"`
	ClassifierID uuid.UUID   `json:"classifier_id"`
	LabelIDs     []uuid.UUID `json:"label_ids"`
	Points       []Point     `json:"points"`
}

// Point is one pixel location to classify.
type Point struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// ExtractResult reports feature-extraction runtime stats; the features
// themselves land in blob storage under the submitted feature key.
type ExtractResult struct {
	RuntimeTotalMs   int64 `json:"runtime_total_ms"`
	RuntimeCoreMs    int64 `json:"runtime_core_ms"`
	FeatureSizeBytes int64 `json:"feature_size_bytes"`
}

// TrainResult reports a finished training run. RefAccuracies holds the
// accuracies of previously accepted classifiers on the new evaluation set,
// in the order they were submitted.
type TrainResult struct {
	// ClassifierID echoes the trained classifier from the submit payload so
	// the collector can attach the outcome without a side-channel lookup.
	ClassifierID  uuid.UUID `json:"classifier_id"`
	Success       bool      `json:"success"`
	Accuracy      float64   `json:"accuracy"`
	RefAccuracies []float64 `json:"ref_accuracies,omitempty"`
	RuntimeMs     int64     `json:"runtime_ms"`
}

// ClassifyResult carries the full per-point score distributions. Top-K
// truncation happens on the collecting side so K can change without
// retouching workers.
type ClassifyResult struct {
	Points []PointScores `json:"points"`
}

// PointScores is the classifier output for one point: one score per label in
// the classifier's labelset, parallel to LabelIDs in the submit payload.
type PointScores struct {
	Row    int       `json:"row"`
	Column int       `json:"column"`
	Scores []float64 `json:"scores"`
}

// NewSubmit builds a SubmitMessage for the given task, marshaling the typed
// payload.
func NewSubmit(taskType string, jobID uuid.UUID, queue string, payload any) (SubmitMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SubmitMessage{}, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return SubmitMessage{
		TaskType: taskType,
		JobID:    jobID,
		Queue:    queue,
		Payload:  raw,
	}, nil
}

// Encode serializes a message for the queue transport.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return b, nil
}

// DecodeSubmit parses a submit message from the queue transport.
func DecodeSubmit(data []byte) (SubmitMessage, error) {
	var m SubmitMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SubmitMessage{}, fmt.Errorf("decode submit message: %w", err)
	}
	return m, nil
}

// DecodeResult parses a result message from the queue transport.
func DecodeResult(data []byte) (ResultMessage, error) {
	var m ResultMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ResultMessage{}, fmt.Errorf("decode result message: %w", err)
	}
	return m, nil
}
