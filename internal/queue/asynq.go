package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// AsynqOptions tune how generation tasks are enqueued.
type AsynqOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// AsynqDispatcher enqueues generation tasks on Redis through asynq. Tasks are
// not deduplicated; the worker is idempotent per job instead.
type AsynqDispatcher struct {
	client *asynq.Client
	opts   AsynqOptions
}

// NewAsynqDispatcher wraps an asynq client.
func NewAsynqDispatcher(client *asynq.Client, opts AsynqOptions) *AsynqDispatcher {
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	return &AsynqDispatcher{client: client, opts: opts}
}

// Dispatch enqueues msg.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, msg Message) error {
	task, err := NewGenerationTask(msg)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(d.opts.MaxRetry), asynq.Queue(d.opts.Queue)}
	if d.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(d.opts.Timeout))
	}
	if _, err := d.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue generation task: %w", err)
	}
	return nil
}
