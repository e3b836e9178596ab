// Package admission implements the windowed check/consume counters behind
// both the per-tenant quota ledger and the per-client rate limiter.
//
// Every counter lives in a calendar aligned UTC window. A counter is
// identified by its key, its resolution and the start of the window it
// belongs to, so crossing a boundary lazily yields a fresh zero counter on
// the next access without any background job.
package admission

import (
	"fmt"
	"time"
)

// Resolution is the horizon of one counter window.
type Resolution string

const (
	Minute Resolution = "minute"
	Hour   Resolution = "hour"
	Day    Resolution = "day"
	Month  Resolution = "month"
)

// Bounds returns the [start, end) window containing now.
func (r Resolution) Bounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch r {
	case Minute:
		start := now.Truncate(time.Minute)
		return start, start.Add(time.Minute)
	case Hour:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case Day:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case Month:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		panic(fmt.Sprintf("admission: unknown resolution %q", r))
	}
}

// Limit caps one resolution. Max <= 0 means the resolution is unlimited and
// bypassed entirely.
type Limit struct {
	Resolution Resolution `json:"resolution"`
	Max        int64      `json:"max"`
}

// Unlimited reports whether the limit is bypassed.
func (l Limit) Unlimited() bool { return l.Max <= 0 }

// Slot addresses one counter in a store.
type Slot struct {
	Key        string
	Resolution Resolution
	Start      time.Time
	End        time.Time
}

// SlotFor builds the slot for key at now.
func SlotFor(key string, res Resolution, now time.Time) Slot {
	start, end := res.Bounds(now)
	return Slot{Key: key, Resolution: res, Start: start, End: end}
}

// Window is the observable state of one counter, as returned to callers.
type Window struct {
	Key        string     `json:"key"`
	Resolution Resolution `json:"resolution"`
	Limit      int64      `json:"limit"`
	Used       int64      `json:"used"`
	Remaining  int64      `json:"remaining"`
	Unlimited  bool       `json:"unlimited"`
	Start      time.Time  `json:"window_start"`
	End        time.Time  `json:"window_end"`
}
