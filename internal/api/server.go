package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/gateway"
	"github.com/dharsanguruparan/scribeflow/internal/ratelimit"
)

const (
	tenantHeader = "X-Tenant-ID"
	tierHeader   = "X-Tenant-Tier"

	defaultHeartbeat = 15 * time.Second
)

// Server exposes the generation API over HTTP.
type Server struct {
	cfg       config.ServerConfig
	svc       *gateway.Service
	limiter   *ratelimit.Limiter
	log       *zap.Logger
	heartbeat time.Duration
	server    *http.Server
	once      sync.Once
}

// New constructs a Server. limiter may be nil to disable rate limiting.
func New(cfg config.ServerConfig, svc *gateway.Service, limiter *ratelimit.Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:       cfg,
		svc:       svc,
		limiter:   limiter,
		log:       log.With(zap.String("component", "api")),
		heartbeat: defaultHeartbeat,
	}
}

// Handler returns the routed API with its middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	// No RealIP: client addresses come from ratelimit.ClientIP, which only
	// reads forwarding headers when proxies are trusted.
	r.Use(middleware.RequestID, middleware.Recoverer, s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.limit("generate")).Post("/generate", s.handleGenerate)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Use(s.limit("jobs"))
			r.Get("/", s.handleJob)
			r.Get("/stream", s.handleStream)
			r.Post("/cancel", s.handleCancel)
			r.Get("/artifact", s.handleArtifact)
		})
		r.With(s.limit("quota")).Get("/quota/{tenant_id}", s.handleQuota)
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", zap.String("address", s.cfg.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// tier returns the caller's quota tier. X-Tenant-Tier is caller-controlled,
// so it is read only when an upstream gateway is trusted to set it; an empty
// tier selects the ledger's default.
func (s *Server) tier(r *http.Request) string {
	if !s.cfg.TrustTierHeader {
		return ""
	}
	return r.Header.Get(tierHeader)
}

func (s *Server) limit(endpoint string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(endpoint)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := apperr.HTTPStatus(apperr.KindOf(err)); status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	apperr.WriteHTTP(w, err)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}
