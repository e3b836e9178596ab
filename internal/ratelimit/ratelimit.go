// Package ratelimit throttles requests per client and endpoint over minute,
// hour and day windows.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/admission"
	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/config"
)

// TierFunc picks the rate-limit tier for a request.
type TierFunc func(r *http.Request) string

// Limiter is the short horizon admission gate.
type Limiter struct {
	limiter     *admission.Limiter
	tiers       map[string]config.Limits
	defaultTier string
	trustProxy  bool
	tierFor     TierFunc
	log         *zap.Logger
}

// New builds a Limiter. now may be nil to use the wall clock.
func New(store admission.Store, cfg config.RateLimitConfig, log *zap.Logger, now func() time.Time) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = config.DefaultRateLimitTiers()
	}
	def := cfg.DefaultTier
	if def == "" {
		def = "anonymous"
	}
	l := &Limiter{
		limiter: admission.NewLimiter(store, admission.Options{
			Scope:    "ratelimit",
			DenyKind: apperr.KindRateLimited,
			Now:      now,
			Logger:   log,
		}),
		tiers:       tiers,
		defaultTier: def,
		trustProxy:  cfg.TrustProxy,
		log:         log,
	}
	l.tierFor = l.defaultTierFor
	return l
}

// WithTierFunc overrides how requests map onto tiers.
func (l *Limiter) WithTierFunc(fn TierFunc) *Limiter {
	l.tierFor = fn
	return l
}

// defaultTierFor treats any request carrying a tenant header as
// authenticated. Authentication itself happens upstream of this service.
func (l *Limiter) defaultTierFor(r *http.Request) string {
	if r.Header.Get("X-Tenant-ID") != "" {
		if _, ok := l.tiers["authenticated"]; ok {
			return "authenticated"
		}
	}
	return l.defaultTier
}

// Limits resolves a tier to its caps.
func (l *Limiter) Limits(tier string) ([]admission.Limit, error) {
	if tier == "" {
		tier = l.defaultTier
	}
	caps, ok := l.tiers[tier]
	if !ok {
		return nil, apperr.Validation("unknown rate limit tier %q", tier)
	}
	return []admission.Limit{
		{Resolution: admission.Minute, Max: caps.Minute},
		{Resolution: admission.Hour, Max: caps.Hour},
		{Resolution: admission.Day, Max: caps.Day},
	}, nil
}

func bucketKey(client, endpoint string) string {
	return client + "|" + endpoint
}

// Check reports whether one more request from client to endpoint fits.
func (l *Limiter) Check(ctx context.Context, client, endpoint, tier string) (admission.Decision, error) {
	limits, err := l.Limits(tier)
	if err != nil {
		return admission.Decision{}, err
	}
	return l.limiter.Check(ctx, bucketKey(client, endpoint), limits, 1)
}

// Consume records one request.
func (l *Limiter) Consume(ctx context.Context, client, endpoint, tier string) error {
	_, err := l.Admit(ctx, client, endpoint, tier)
	return err
}

// Admit atomically checks and records one request.
func (l *Limiter) Admit(ctx context.Context, client, endpoint, tier string) (admission.Decision, error) {
	limits, err := l.Limits(tier)
	if err != nil {
		return admission.Decision{}, err
	}
	return l.limiter.Admit(ctx, bucketKey(client, endpoint), limits, 1)
}

// Middleware throttles requests to endpoint. Denials are answered with the
// standard error envelope and a Retry-After header.
func (l *Limiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientIP(r, l.trustProxy)
			dec, err := l.Admit(r.Context(), client, endpoint, l.tierFor(r))
			setHeaders(w, dec)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindInternal {
					// A broken counter store must not take the API down.
					l.log.Warn("rate limiter unavailable, admitting request", zap.Error(err))
					next.ServeHTTP(w, r)
					return
				}
				apperr.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, dec admission.Decision) {
	var remaining int64 = -1
	for _, win := range dec.Windows {
		if win.Unlimited {
			continue
		}
		if remaining < 0 || win.Remaining < remaining {
			remaining = win.Remaining
		}
	}
	if remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	}
	for _, warn := range dec.Warnings {
		w.Header().Add("X-RateLimit-Warning", string(warn.Resolution)+"="+warn.Level)
	}
}

// ClientIP returns the first valid address in X-Forwarded-For, then
// X-Real-IP, when proxies are trusted. Otherwise, or when neither header
// holds an address, it uses the connection's remote address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
			for _, part := range strings.Split(xf, ",") {
				ip := strings.TrimSpace(part)
				if ip == "" {
					continue
				}
				if net.ParseIP(ip) != nil {
					return ip
				}
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
