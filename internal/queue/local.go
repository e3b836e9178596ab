package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalOptions configure the in-process dispatcher.
type LocalOptions struct {
	Workers       int
	MaxDeliveries int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	OnExhausted   ExhaustedFunc
	Logger        *zap.Logger
}

// LocalDispatcher runs deliveries on a fixed pool of goroutines fed by a
// buffered channel. It backs inline mode and tests.
type LocalDispatcher struct {
	handler Handler
	opts    LocalOptions
	queue   chan Message
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewLocalDispatcher builds a dispatcher with queue capacity tied to the
// worker count.
func NewLocalDispatcher(handler Handler, opts LocalOptions) *LocalDispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalDispatcher{
		handler: handler,
		opts:    opts,
		queue:   make(chan Message, opts.Workers*4),
		log:     log.With(zap.String("component", "local-dispatcher")),
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (d *LocalDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until every worker goroutine has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch queues msg without blocking. A full buffer returns ErrQueueFull so
// the caller can fail the job.
func (d *LocalDispatcher) Dispatch(ctx context.Context, msg Message) error {
	if msg.JobID == "" {
		_, err := Encode(msg)
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.queue <- msg:
		return nil
	default:
		d.log.Warn("local queue full", zap.String("job_id", msg.JobID))
		return ErrQueueFull
	}
}

func (d *LocalDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

func (d *LocalDispatcher) deliver(ctx context.Context, msg Message) {
	var err error
	for attempt := 1; attempt <= d.opts.MaxDeliveries; attempt++ {
		err = d.handler(ctx, msg)
		if err == nil || IsSkipRetry(err) {
			return
		}
		d.log.Warn("delivery failed",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == d.opts.MaxDeliveries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.backoff(attempt)):
		}
	}
	d.log.Error("delivery budget exhausted", zap.String("job_id", msg.JobID), zap.Error(err))
	if d.opts.OnExhausted != nil {
		d.opts.OnExhausted(ctx, msg, err)
	}
}

func (d *LocalDispatcher) backoff(attempt int) time.Duration {
	wait := d.opts.BaseBackoff << (attempt - 1)
	if wait <= 0 || wait > d.opts.MaxBackoff {
		return d.opts.MaxBackoff
	}
	return wait
}
