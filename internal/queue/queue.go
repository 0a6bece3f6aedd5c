// Package queue abstracts submission and collection of compute work against
// an external fabric. The redis backend crosses a durable queue with
// at-least-once delivery; the mock backend executes tasks synchronously for
// tests and local development.
package queue

import (
	"context"
	"errors"

	"github.com/oceanvision/reefscan/pkg/messages"
)

var (
	ErrQueueUnavailable = errors.New("queue backend unavailable")
	ErrBadMessage       = errors.New("malformed queue message")
)

// Backend is the pluggable queue implementation, chosen once at startup.
// Submit enqueues one task description. Collect non-blockingly checks for one
// available result, removing it from the queue; it returns (nil, nil) when
// nothing is ready. Delivery is at-least-once: callers must treat duplicate
// results for an already-terminal job as a no-op.
type Backend interface {
	Submit(ctx context.Context, msg messages.SubmitMessage) error
	Collect(ctx context.Context) (*messages.ResultMessage, error)
}
