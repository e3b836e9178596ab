package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Store persists counters. IncrBy must be atomic with respect to its own
// bound check for the same slot: it only applies the increment when
// used+amount <= bound, or unconditionally when bound < 0.
type Store interface {
	Get(ctx context.Context, slot Slot) (int64, error)
	IncrBy(ctx context.Context, slot Slot, amount, bound int64) (used int64, applied bool, err error)
}

const memoryShards = 32

type counter struct {
	start time.Time
	end   time.Time
	used  int64
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// MemoryStore keeps counters in process. Counters are sharded by key so
// unrelated tenants don't contend on one mutex.
type MemoryStore struct {
	shards [memoryShards]*shard
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i] = &shard{counters: make(map[string]*counter)}
	}
	return m
}

func (m *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%memoryShards]
}

func memoryID(slot Slot) string {
	return slot.Key + "|" + string(slot.Resolution)
}

// current returns the counter for slot, resetting it when the stored window
// is older than the requested one. It returns nil when the stored window is
// newer, so late writes for a closed window cannot reset the live one.
// Callers hold the shard lock.
func (s *shard) current(id string, slot Slot) *counter {
	c, ok := s.counters[id]
	if ok && c.start.After(slot.Start) {
		return nil
	}
	if !ok || !c.start.Equal(slot.Start) {
		c = &counter{start: slot.Start, end: slot.End}
		s.counters[id] = c
	}
	return c
}

func (m *MemoryStore) Get(_ context.Context, slot Slot) (int64, error) {
	id := memoryID(slot)
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[id]
	if !ok || !c.start.Equal(slot.Start) {
		return 0, nil
	}
	return c.used, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, slot Slot, amount, bound int64) (int64, bool, error) {
	id := memoryID(slot)
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.current(id, slot)
	if c == nil {
		return 0, true, nil
	}
	if bound >= 0 && c.used+amount > bound {
		return c.used, false, nil
	}
	c.used += amount
	if c.used < 0 {
		c.used = 0
	}
	return c.used, true, nil
}

// Sweep drops counters whose window ended before now. Lazy reset makes this
// optional; it only bounds memory for keys that stop being used.
func (m *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for id, c := range s.counters {
			if !now.Before(c.end) {
				delete(s.counters, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
