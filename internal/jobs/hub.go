package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// Event is what subscribers receive: a committed progress entry, or the
// terminal status of the job.
type Event struct {
	JobID  string
	Entry  *model.ProgressEntry
	Status model.JobStatus
}

// Subscription is one listener on a job's events.
type Subscription struct {
	jobID string
	ch    chan Event
	once  sync.Once
	hub   *Hub
}

// C delivers events. Events are dropped rather than blocking the publisher
// when the buffer is full; Follow fills gaps from the store.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub broadcasts job events to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    *zap.Logger
}

// NewHub builds a Hub with the given per-subscriber buffer.
func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log.With(zap.String("component", "hub")),
	}
}

// Subscribe registers a listener for jobID.
func (h *Hub) Subscribe(jobID string) *Subscription {
	s := &Subscription{jobID: jobID, ch: make(chan Event, h.buffer), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.jobID)
		}
	}
}

// Publish fans entry out to the job's subscribers. Callers must have
// committed entry to the store first.
func (h *Hub) Publish(jobID string, entry model.ProgressEntry) {
	e := entry
	h.broadcast(Event{JobID: jobID, Entry: &e})
}

// PublishStatus announces a terminal status.
func (h *Hub) PublishStatus(jobID string, status model.JobStatus) {
	h.broadcast(Event{JobID: jobID, Status: status})
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("dropping job event; subscriber buffer full", zap.String("job_id", ev.JobID))
		}
	}
}

// Subscribers reports how many listeners jobID has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Follow streams a job's progress log to emit, starting after sequence
// number after. It replays the committed log from the store, then relays
// live hub events, re-reading the store whenever an event is missing or the
// poll interval elapses (the worker may run in another process). It returns
// the job in its terminal state once every entry has been emitted.
func Follow(ctx context.Context, store Store, hub *Hub, jobID string, after int, poll time.Duration, emit func(model.ProgressEntry) error) (*model.Job, error) {
	var sub *Subscription
	if hub != nil {
		sub = hub.Subscribe(jobID)
		defer sub.Close()
	}
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := after
	catchUp := func() (*model.Job, error) {
		job, err := store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		for _, entry := range job.Progress {
			if entry.Seq <= last {
				continue
			}
			if err := emit(entry); err != nil {
				return nil, err
			}
			last = entry.Seq
		}
		return job, nil
	}

	job, err := catchUp()
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	var events <-chan Event
	if sub != nil {
		events = sub.C()
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-events:
			if ev.Entry != nil && ev.Entry.Seq == last+1 {
				if err := emit(*ev.Entry); err != nil {
					return nil, err
				}
				last = ev.Entry.Seq
				continue
			}
			if ev.Entry != nil && ev.Entry.Seq <= last {
				continue
			}
		case <-ticker.C:
		}
		// A gap, a status change or a poll tick: reconcile with the store.
		job, err := catchUp()
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
	}
}
