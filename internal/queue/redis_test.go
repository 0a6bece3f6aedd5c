package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/oceanvision/reefscan/pkg/messages"
	"github.com/oceanvision/reefscan/pkg/models"
)

// setupRedis spins up a Redis container and returns a connected client + backend.
func setupRedis(t *testing.T) (*redis.Client, *queue.RedisBackend) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	return client, queue.NewRedisBackend(client, "spacer_test")
}

func TestRedisBackend_Submit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client, b := setupRedis(t)
	ctx := context.Background()

	jobID := uuid.New()
	msg, err := messages.NewSubmit(models.JobExtractFeatures, jobID, "spacer_test",
		messages.ExtractPayload{ImageURL: "https://img.example.com/a.png", FeatureKey: "feat-a"})
	require.NoError(t, err)
	require.NoError(t, b.Submit(ctx, msg))

	raw, err := client.LPop(ctx, "spacer_test:jobs:todo").Result()
	require.NoError(t, err)

	got, err := messages.DecodeSubmit([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, models.JobExtractFeatures, got.TaskType)
	assert.Equal(t, jobID, got.JobID)
	assert.Equal(t, "spacer_test", got.Queue)
}

func TestRedisBackend_Collect_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, b := setupRedis(t)

	result, err := b.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRedisBackend_Collect_Result(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client, b := setupRedis(t)
	ctx := context.Background()

	jobID := uuid.New()
	want := messages.ResultMessage{
		TaskType: models.JobTrainClassifier,
		JobID:    jobID,
		Queue:    "spacer_test",
		Train:    &messages.TrainResult{Success: true, Accuracy: 0.82, RuntimeMs: 900},
	}
	data, err := messages.Encode(want)
	require.NoError(t, err)
	require.NoError(t, client.RPush(ctx, "spacer_test:jobs:done", data).Err())

	got, err := b.Collect(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, jobID, got.JobID)
	require.NotNil(t, got.Train)
	assert.InDelta(t, 0.82, got.Train.Accuracy, 0.0001)
}

func TestRedisBackend_Collect_FIFO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client, b := setupRedis(t)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	for _, id := range []uuid.UUID{first, second} {
		data, err := messages.Encode(messages.ResultMessage{
			TaskType: models.JobExtractFeatures,
			JobID:    id,
			Queue:    "spacer_test",
			Extract:  &messages.ExtractResult{},
		})
		require.NoError(t, err)
		require.NoError(t, client.RPush(ctx, "spacer_test:jobs:done", data).Err())
	}

	got, err := b.Collect(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.JobID)

	got, err = b.Collect(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, got.JobID)
}

func TestRedisBackend_Collect_DropsForeignQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client, b := setupRedis(t)
	ctx := context.Background()

	data, err := messages.Encode(messages.ResultMessage{
		TaskType: models.JobExtractFeatures,
		JobID:    uuid.New(),
		Queue:    "other_deployment",
		Extract:  &messages.ExtractResult{},
	})
	require.NoError(t, err)
	require.NoError(t, client.RPush(ctx, "spacer_test:jobs:done", data).Err())

	got, err := b.Collect(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The foreign message was removed, not requeued.
	n, err := client.LLen(ctx, "spacer_test:jobs:done").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisBackend_Collect_BadMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client, b := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, client.RPush(ctx, "spacer_test:jobs:done", "{not json").Err())

	_, err := b.Collect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrBadMessage)
}
