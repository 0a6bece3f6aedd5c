package mock_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/oceanvision/reefscan/internal/queue/mock"
	"github.com/oceanvision/reefscan/pkg/messages"
	"github.com/oceanvision/reefscan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *mock.Backend {
	t.Helper()
	b, err := mock.NewBackend(t.TempDir(), "spacer_test")
	require.NoError(t, err)
	return b
}

func submitClassify(t *testing.T, b *mock.Backend, jobID uuid.UUID) {
	t.Helper()
	payload := messages.ClassifyPayload{
		ImageURL:     "https://img.example.com/reef.png",
		FeatureKey:   "feat-abc",
		ClassifierID: uuid.New(),
		LabelIDs:     []uuid.UUID{uuid.New(), uuid.New(), uuid.New()},
		Points:       []messages.Point{{Row: 10, Column: 20}, {Row: 30, Column: 40}},
	}
	msg, err := messages.NewSubmit(models.JobClassifyImage, jobID, "spacer_test", payload)
	require.NoError(t, err)
	require.NoError(t, b.Submit(context.Background(), msg))
}

func TestBackend_ImplementsQueueBackend(t *testing.T) {
	var _ queue.Backend = newBackend(t)
}

func TestBackend_Collect_Empty(t *testing.T) {
	b := newBackend(t)

	result, err := b.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestBackend_SubmitCollect_Classify(t *testing.T) {
	b := newBackend(t)
	jobID := uuid.New()
	submitClassify(t, b, jobID)

	result, err := b.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.OK())
	assert.Equal(t, models.JobClassifyImage, result.TaskType)
	assert.Equal(t, jobID, result.JobID)
	assert.Equal(t, "spacer_test", result.Queue)
	require.NotNil(t, result.Classify)
	require.Len(t, result.Classify.Points, 2)

	for _, pt := range result.Classify.Points {
		require.Len(t, pt.Scores, 3)
		var sum float64
		for _, s := range pt.Scores {
			assert.GreaterOrEqual(t, s, 0.0)
			sum += s
		}
		assert.InDelta(t, 1.0, sum, 0.001)
	}

	// Drained.
	result, err = b.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestBackend_SubmitCollect_Extract(t *testing.T) {
	b := newBackend(t)
	jobID := uuid.New()
	payload := messages.ExtractPayload{
		ImageURL:   "https://img.example.com/reef.png",
		FeatureKey: "feat-abc",
		Points:     []messages.Point{{Row: 1, Column: 2}},
	}
	msg, err := messages.NewSubmit(models.JobExtractFeatures, jobID, "spacer_test", payload)
	require.NoError(t, err)
	require.NoError(t, b.Submit(context.Background(), msg))

	result, err := b.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.OK())
	require.NotNil(t, result.Extract)
	assert.Positive(t, result.Extract.RuntimeTotalMs)
}

func TestBackend_SubmitCollect_Train(t *testing.T) {
	b := newBackend(t)
	prev := []uuid.UUID{uuid.New(), uuid.New()}
	payload := messages.TrainPayload{
		SourceID:              uuid.New(),
		ClassifierID:          uuid.New(),
		LabelIDs:              []uuid.UUID{uuid.New()},
		FeatureKeys:           []string{"feat-1", "feat-2"},
		Epochs:                10,
		PreviousClassifierIDs: prev,
	}
	msg, err := messages.NewSubmit(models.JobTrainClassifier, uuid.New(), "spacer_test", payload)
	require.NoError(t, err)
	require.NoError(t, b.Submit(context.Background(), msg))

	result, err := b.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Train)

	assert.Equal(t, payload.ClassifierID, result.Train.ClassifierID)
	assert.True(t, result.Train.Success)
	assert.GreaterOrEqual(t, result.Train.Accuracy, 0.5)
	assert.Less(t, result.Train.Accuracy, 0.9)
	assert.Len(t, result.Train.RefAccuracies, len(prev))
}

func TestBackend_Collect_FIFO(t *testing.T) {
	b := newBackend(t)
	first := uuid.New()
	second := uuid.New()
	third := uuid.New()

	submitClassify(t, b, first)
	submitClassify(t, b, second)
	submitClassify(t, b, third)

	for _, want := range []uuid.UUID{first, second, third} {
		result, err := b.Collect(context.Background())
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, want, result.JobID)
	}
}

func TestBackend_UnknownTaskType(t *testing.T) {
	b := newBackend(t)
	msg := messages.SubmitMessage{
		TaskType: "render_video",
		JobID:    uuid.New(),
		Queue:    "spacer_test",
		Payload:  []byte(`{}`),
	}
	require.NoError(t, b.Submit(context.Background(), msg))

	result, err := b.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.OK())
	assert.Contains(t, result.Error, "render_video")
}

func TestBackend_Deterministic(t *testing.T) {
	jobID := uuid.New()

	b1 := newBackend(t)
	submitClassify(t, b1, jobID)
	r1, err := b1.Collect(context.Background())
	require.NoError(t, err)

	b2 := newBackend(t)
	submitClassify(t, b2, jobID)
	r2, err := b2.Collect(context.Background())
	require.NoError(t, err)

	require.NotNil(t, r1.Classify)
	require.NotNil(t, r2.Classify)
	assert.Equal(t, r1.Classify.Points, r2.Classify.Points)
}
