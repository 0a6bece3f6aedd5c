package queue_test

import (
	"testing"

	"github.com/oceanvision/reefscan/internal/config"
	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackend_Mock(t *testing.T) {
	cfg := config.QueueConfig{Backend: "mock", Name: "spacer_test", MockDir: t.TempDir()}
	b, err := queue.NewBackend(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestNewBackend_Redis(t *testing.T) {
	cfg := config.QueueConfig{Backend: "redis", Name: "spacer"}
	b, err := queue.NewBackend(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestNewBackend_Unknown(t *testing.T) {
	cfg := config.QueueConfig{Backend: "sqs"}
	_, err := queue.NewBackend(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue backend")
	assert.Contains(t, err.Error(), "sqs")
}

func TestNewBackend_Empty(t *testing.T) {
	cfg := config.QueueConfig{Backend: ""}
	_, err := queue.NewBackend(cfg, nil)
	require.Error(t, err)
}
