package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oceanvision/reefscan/internal/config"
	"github.com/oceanvision/reefscan/internal/queue/mock"
)

// NewBackend constructs the queue backend selected by config.
// Called once at server startup; everything downstream depends only on the
// Backend interface.
func NewBackend(cfg config.QueueConfig, rdb *redis.Client) (Backend, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisBackend(rdb, cfg.Name), nil
	case "mock":
		return mock.NewBackend(cfg.MockDir, cfg.Name)
	default:
		return nil, fmt.Errorf("unknown queue backend %q: must be one of redis, mock", cfg.Backend)
	}
}
