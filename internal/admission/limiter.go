package admission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/metrics"
)

// Warning levels surfaced on every check.
const (
	WarnApproaching = "approaching_limit"
	WarnNear        = "near_limit"
)

// Warning is an advisory flag; it never affects the allow/deny decision.
type Warning struct {
	Resolution Resolution `json:"resolution"`
	Level      string     `json:"level"`
	Used       int64      `json:"used"`
	Limit      int64      `json:"limit"`
	Percent    float64    `json:"percent"`
}

// Decision is the answer to a check or an admit.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"-"`
	DeniedBy   Resolution    `json:"denied_by,omitempty"`
	Warnings   []Warning     `json:"warnings,omitempty"`
	Windows    []Window      `json:"windows"`
	// At is the instant the windows were resolved; Refund targets it.
	At time.Time `json:"-"`
}

// Options tune a Limiter.
type Options struct {
	// Scope labels metrics and log lines, e.g. "quota" or "ratelimit".
	Scope string
	// DenyKind is the error kind returned when consumption is refused.
	DenyKind apperr.Kind
	// Slop is how far past the limit a consume may land. Zero makes every
	// consume exact, since the bound check and increment are atomic in the
	// store.
	Slop int64
	// ApproachingAt and NearAt are warning thresholds as fractions of the
	// limit. They default to 0.8 and 0.9.
	ApproachingAt float64
	NearAt        float64
	Now           func() time.Time
	Logger        *zap.Logger
}

// Limiter evaluates a set of per-resolution limits for a key.
type Limiter struct {
	store Store
	opts  Options
	log   *zap.Logger
}

// NewLimiter builds a Limiter on top of store.
func NewLimiter(store Store, opts Options) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ApproachingAt == 0 {
		opts.ApproachingAt = 0.8
	}
	if opts.NearAt == 0 {
		opts.NearAt = 0.9
	}
	if opts.DenyKind == "" {
		opts.DenyKind = apperr.KindRateLimited
	}
	if opts.Slop < 0 {
		opts.Slop = 0
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{store: store, opts: opts, log: log.With(zap.String("scope", opts.Scope))}
}

// Slop returns the configured over-admission bound per window.
func (l *Limiter) Slop() int64 { return l.opts.Slop }

// Check answers whether consuming amount now would stay within every limit.
// It never mutates counters.
func (l *Limiter) Check(ctx context.Context, key string, limits []Limit, amount int64) (Decision, error) {
	now := l.opts.Now()
	dec := Decision{Allowed: true, At: now}
	for _, lim := range limits {
		slot := SlotFor(key, lim.Resolution, now)
		if lim.Unlimited() {
			dec.Windows = append(dec.Windows, l.window(slot, lim, 0))
			continue
		}
		used, err := l.store.Get(ctx, slot)
		if err != nil {
			return Decision{}, fmt.Errorf("check %s %s: %w", key, lim.Resolution, err)
		}
		dec.Windows = append(dec.Windows, l.window(slot, lim, used))
		if w, ok := l.warning(lim, used+amount); ok {
			dec.Warnings = append(dec.Warnings, w)
		}
		if used+amount > lim.Max {
			l.deny(&dec, lim.Resolution, slot.End.Sub(now))
		}
	}
	return dec, nil
}

// Consume increments every capped window by amount. The increment is
// refused when it would land beyond limit+slop, in which case the windows
// already incremented are rolled back and an admission error is returned.
func (l *Limiter) Consume(ctx context.Context, key string, limits []Limit, amount int64) error {
	_, err := l.Admit(ctx, key, limits, amount)
	return err
}

// Admit is Consume that also reports the resulting decision and warnings.
// The returned error is an *apperr.Error of the configured DenyKind when
// admission is refused.
func (l *Limiter) Admit(ctx context.Context, key string, limits []Limit, amount int64) (Decision, error) {
	now := l.opts.Now()
	dec := Decision{Allowed: true, At: now}
	var applied []Slot
	for _, lim := range limits {
		slot := SlotFor(key, lim.Resolution, now)
		if lim.Unlimited() {
			dec.Windows = append(dec.Windows, l.window(slot, lim, 0))
			continue
		}
		used, ok, err := l.store.IncrBy(ctx, slot, amount, lim.Max+l.opts.Slop)
		if err != nil {
			l.rollback(ctx, applied, amount)
			return Decision{}, fmt.Errorf("consume %s %s: %w", key, lim.Resolution, err)
		}
		if !ok {
			l.rollback(ctx, applied, amount)
			l.deny(&dec, lim.Resolution, slot.End.Sub(now))
			dec.Windows = append(dec.Windows, l.window(slot, lim, used))
			if w, ok := l.warning(lim, used+amount); ok {
				dec.Warnings = append(dec.Warnings, w)
			}
			return dec, l.denial(key, dec)
		}
		applied = append(applied, slot)
		dec.Windows = append(dec.Windows, l.window(slot, lim, used))
		if w, ok := l.warning(lim, used); ok {
			dec.Warnings = append(dec.Warnings, w)
		}
	}
	return dec, nil
}

// Refund gives amount back to the capped windows that contained at, so a
// refund issued after a window boundary still credits the window that was
// charged. Counters never drop below zero.
func (l *Limiter) Refund(ctx context.Context, key string, limits []Limit, amount int64, at time.Time) error {
	for _, lim := range limits {
		if lim.Unlimited() {
			continue
		}
		if _, _, err := l.store.IncrBy(ctx, SlotFor(key, lim.Resolution, at), -amount, -1); err != nil {
			return fmt.Errorf("refund %s %s: %w", key, lim.Resolution, err)
		}
	}
	return nil
}

// Usage reports the current windows without evaluating any amount.
func (l *Limiter) Usage(ctx context.Context, key string, limits []Limit) (Decision, error) {
	return l.Check(ctx, key, limits, 0)
}

func (l *Limiter) rollback(ctx context.Context, slots []Slot, amount int64) {
	for _, slot := range slots {
		if _, _, err := l.store.IncrBy(ctx, slot, -amount, -1); err != nil {
			l.log.Warn("rollback counter failed", zap.String("key", slot.Key), zap.String("resolution", string(slot.Resolution)), zap.Error(err))
		}
	}
}

func (l *Limiter) deny(dec *Decision, res Resolution, retryAfter time.Duration) {
	if dec.Allowed || retryAfter > dec.RetryAfter {
		dec.DeniedBy = res
		dec.RetryAfter = retryAfter
	}
	dec.Allowed = false
}

func (l *Limiter) denial(key string, dec Decision) error {
	metrics.AdmissionDenied.WithLabelValues(l.opts.Scope, string(dec.DeniedBy)).Inc()
	l.log.Info("admission denied", zap.String("key", key), zap.String("resolution", string(dec.DeniedBy)), zap.Duration("retry_after", dec.RetryAfter))
	err := apperr.Admission(l.opts.DenyKind, dec.RetryAfter, "%s limit reached for the current %s", l.opts.Scope, dec.DeniedBy)
	err.Details = map[string]any{"resolution": string(dec.DeniedBy)}
	return err
}

func (l *Limiter) warning(lim Limit, projected int64) (Warning, bool) {
	if lim.Unlimited() {
		return Warning{}, false
	}
	pct := float64(projected) / float64(lim.Max)
	w := Warning{Resolution: lim.Resolution, Used: projected, Limit: lim.Max, Percent: pct * 100}
	switch {
	case pct >= l.opts.NearAt:
		w.Level = WarnNear
	case pct >= l.opts.ApproachingAt:
		w.Level = WarnApproaching
	default:
		return Warning{}, false
	}
	return w, true
}

func (l *Limiter) window(slot Slot, lim Limit, used int64) Window {
	w := Window{
		Key:        slot.Key,
		Resolution: slot.Resolution,
		Limit:      lim.Max,
		Used:       used,
		Unlimited:  lim.Unlimited(),
		Start:      slot.Start,
		End:        slot.End,
	}
	if !w.Unlimited {
		w.Remaining = lim.Max - used
		if w.Remaining < 0 {
			w.Remaining = 0
		}
	}
	return w
}
