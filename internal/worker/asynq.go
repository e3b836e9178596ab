package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/queue"
)

// Handler registers the generation task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.GenerationTask, p.handleTask)
	return mux
}

func (p *Processor) handleTask(ctx context.Context, task *asynq.Task) error {
	msg, err := queue.Decode(task.Payload())
	if err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	return p.Run(ctx, msg)
}

// ErrorHandler fails the job once asynq has used up the task's retries.
// SkipRetry errors were already dealt with by Run.
func (p *Processor) ErrorHandler() asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		if queue.IsSkipRetry(err) {
			return
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			return
		}
		msg, decodeErr := queue.Decode(task.Payload())
		if decodeErr != nil {
			return
		}
		p.Exhaust(ctx, msg, err)
	})
}

// ServerConfig builds the asynq server settings for the worker section.
func (p *Processor) ServerConfig(cfg config.WorkerConfig) asynq.Config {
	name := cfg.Queue
	if name == "" {
		name = queue.DefaultQueue
	}
	return asynq.Config{
		Concurrency:  cfg.Concurrency,
		Queues:       map[string]int{name: 1},
		ErrorHandler: p.ErrorHandler(),
		Logger:       p.log.With(zap.String("component", "asynq")).Sugar(),
	}
}
