// Package quota tracks per-tenant generation budgets across hourly, daily
// and monthly windows.
package quota

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/admission"
	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/config"
)

// Ledger is the per-tenant admission gate.
type Ledger struct {
	limiter     *admission.Limiter
	tiers       map[string]config.Limits
	defaultTier string
}

// Option customizes a Ledger.
type Option func(*admission.Options)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *admission.Options) { o.Now = now }
}

// WithSlop lets consumes land up to n units past a limit.
func WithSlop(n int64) Option {
	return func(o *admission.Options) { o.Slop = n }
}

// NewLedger builds a ledger over store using the configured tiers.
func NewLedger(store admission.Store, cfg config.QuotaConfig, log *zap.Logger, opts ...Option) *Ledger {
	aopts := admission.Options{Scope: "quota", DenyKind: apperr.KindQuotaExceeded, Logger: log}
	for _, opt := range opts {
		opt(&aopts)
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = config.DefaultQuotaTiers()
	}
	def := cfg.DefaultTier
	if def == "" {
		def = "free"
	}
	return &Ledger{limiter: admission.NewLimiter(store, aopts), tiers: tiers, defaultTier: def}
}

// Tiers lists configured tier names.
func (l *Ledger) Tiers() []string {
	names := make([]string, 0, len(l.tiers))
	for name := range l.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Limits resolves a tier to its per-resolution caps. An empty tier means the
// default tier.
func (l *Ledger) Limits(tier string) ([]admission.Limit, error) {
	if tier == "" {
		tier = l.defaultTier
	}
	caps, ok := l.tiers[tier]
	if !ok {
		return nil, apperr.Validation("unknown quota tier %q", tier)
	}
	return []admission.Limit{
		{Resolution: admission.Hour, Max: caps.Hour},
		{Resolution: admission.Day, Max: caps.Day},
		{Resolution: admission.Month, Max: caps.Month},
	}, nil
}

func tenantKey(tenant string) string { return "tenant:" + tenant }

// Check reports whether tenant may spend amount now. It never mutates.
func (l *Ledger) Check(ctx context.Context, tenant, tier string, amount int64) (admission.Decision, error) {
	limits, err := l.Limits(tier)
	if err != nil {
		return admission.Decision{}, err
	}
	return l.limiter.Check(ctx, tenantKey(tenant), limits, amount)
}

// Consume records amount against every window for tenant.
func (l *Ledger) Consume(ctx context.Context, tenant, tier string, amount int64) error {
	_, err := l.Admit(ctx, tenant, tier, amount)
	return err
}

// Admit is the atomic check-and-consume used at submission time.
func (l *Ledger) Admit(ctx context.Context, tenant, tier string, amount int64) (admission.Decision, error) {
	limits, err := l.Limits(tier)
	if err != nil {
		return admission.Decision{}, err
	}
	return l.limiter.Admit(ctx, tenantKey(tenant), limits, amount)
}

// Refund gives back amount, used when a request is admitted but never
// reaches the queue. admittedAt is the Decision.At of that admission.
func (l *Ledger) Refund(ctx context.Context, tenant, tier string, amount int64, admittedAt time.Time) error {
	limits, err := l.Limits(tier)
	if err != nil {
		return err
	}
	if err := l.limiter.Refund(ctx, tenantKey(tenant), limits, amount, admittedAt); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	return nil
}

// Report is the body of GET quota.
type Report struct {
	TenantID  string                          `json:"tenant_id"`
	Tier      string                          `json:"tier"`
	Limits    map[admission.Resolution]*int64 `json:"limits"`
	Usage     map[admission.Resolution]int64  `json:"usage"`
	Remaining map[admission.Resolution]*int64 `json:"remaining"`
	Warnings  []admission.Warning             `json:"warnings"`
	Windows   []admission.Window              `json:"windows"`
}

// Report summarizes tenant's budget. Unlimited resolutions report null
// limits and remaining.
func (l *Ledger) Report(ctx context.Context, tenant, tier string) (Report, error) {
	if tier == "" {
		tier = l.defaultTier
	}
	limits, err := l.Limits(tier)
	if err != nil {
		return Report{}, err
	}
	dec, err := l.limiter.Usage(ctx, tenantKey(tenant), limits)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		TenantID:  tenant,
		Tier:      tier,
		Limits:    make(map[admission.Resolution]*int64, len(dec.Windows)),
		Usage:     make(map[admission.Resolution]int64, len(dec.Windows)),
		Remaining: make(map[admission.Resolution]*int64, len(dec.Windows)),
		Warnings:  dec.Warnings,
		Windows:   dec.Windows,
	}
	for _, w := range dec.Windows {
		rep.Usage[w.Resolution] = w.Used
		if w.Unlimited {
			rep.Limits[w.Resolution] = nil
			rep.Remaining[w.Resolution] = nil
			continue
		}
		limit, remaining := w.Limit, w.Remaining
		rep.Limits[w.Resolution] = &limit
		rep.Remaining[w.Resolution] = &remaining
	}
	if rep.Warnings == nil {
		rep.Warnings = []admission.Warning{}
	}
	return rep, nil
}
