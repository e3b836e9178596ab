// Package queue hands generation jobs from the gateway to the worker. Three
// transports share the Dispatcher interface: asynq over Redis, an in-process
// channel pool and a signed HTTP push.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/scribeflow/internal/model"
)

const (
	// GenerationTask is scheduled once per asynchronous generation job.
	GenerationTask = "generation:run"
	// DefaultQueue is the asynq queue generation tasks land on.
	DefaultQueue = "content"
)

// Message is the dispatch payload. The request travels with the job id so a
// push receiver can log what it got even before loading the job.
type Message struct {
	JobID   string                  `json:"job_id"`
	Request model.GenerationRequest `json:"request"`
}

// Dispatcher delivers a message to a worker. A nil error means the transport
// accepted the message, not that the job ran.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Handler processes one delivery. Returning an error wrapping asynq.SkipRetry
// stops redelivery; any other error is retried until the budget runs out.
type Handler func(ctx context.Context, msg Message) error

// ExhaustedFunc is called once a message has used up its delivery budget.
type ExhaustedFunc func(ctx context.Context, msg Message, err error)

// ErrQueueFull is returned by transports that refuse work instead of blocking.
var ErrQueueFull = errors.New("dispatch queue full")

// Encode serializes msg for a transport.
func Encode(msg Message) ([]byte, error) {
	if msg.JobID == "" {
		return nil, errors.New("message has no job id")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Decode parses a transport payload.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.JobID == "" {
		return Message{}, errors.New("message has no job id")
	}
	return msg, nil
}

// NewGenerationTask wraps msg into an asynq task.
func NewGenerationTask(msg Message) (*asynq.Task, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(GenerationTask, data), nil
}

// IsSkipRetry reports whether err asks the transport not to redeliver.
func IsSkipRetry(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}
