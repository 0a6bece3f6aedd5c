package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/oceanvision/reefscan/pkg/messages"
)

// RedisBackend crosses a durable Redis queue. Submit pushes task messages to
// the todo list consumed by the worker fleet; Collect pops finished results
// from the done list. Feature vectors travel through blob storage, so list
// entries stay small.
type RedisBackend struct {
	client *redis.Client
	name   string
}

// NewRedisBackend creates a RedisBackend tagged with this deployment's queue
// name.
func NewRedisBackend(client *redis.Client, name string) *RedisBackend {
	return &RedisBackend{client: client, name: name}
}

func (b *RedisBackend) todoKey() string { return b.name + ":jobs:todo" }
func (b *RedisBackend) doneKey() string { return b.name + ":jobs:done" }

// Submit enqueues one task message, retrying transient Redis errors with
// exponential backoff before giving up.
func (b *RedisBackend) Submit(ctx context.Context, msg messages.SubmitMessage) error {
	msg.Queue = b.name

	data, err := messages.Encode(msg)
	if err != nil {
		return err
	}

	operation := func() error {
		return b.client.RPush(ctx, b.todoKey(), data).Err()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("%w: submit %s: %v", ErrQueueUnavailable, msg.TaskType, err)
	}
	return nil
}

// Collect pops at most one result message. A message tagged for a different
// queue is removed (to avoid poison-message buildup) but not returned, so it
// is never applied to local state.
func (b *RedisBackend) Collect(ctx context.Context) (*messages.ResultMessage, error) {
	var data string
	operation := func() error {
		res, err := b.client.LPop(ctx, b.doneKey()).Result()
		if errors.Is(err, redis.Nil) {
			data = ""
			return nil
		}
		if err != nil {
			return err
		}
		data = res
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("%w: collect: %v", ErrQueueUnavailable, err)
	}
	if data == "" {
		return nil, nil
	}

	msg, err := messages.DecodeResult([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	if msg.Queue != b.name {
		slog.Warn("dropping result for foreign queue",
			"got_queue", msg.Queue, "want_queue", b.name, "job_id", msg.JobID)
		return nil, nil
	}
	return &msg, nil
}

// Compile-time check that RedisBackend implements Backend.
var _ Backend = (*RedisBackend)(nil)
