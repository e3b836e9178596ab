package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/tracing"
	"github.com/dharsanguruparan/scribeflow/internal/validation"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apperr.Validation("read request body: %v", err)
	}
	return body, nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.Header.Get(tenantHeader))
	ctx, span := tracing.Tracer().Start(r.Context(), "http.generate", trace.WithAttributes(attribute.String("tenant_id", tenant)))
	defer span.End()

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := validation.Decode(body, tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.svc.Submit(ctx, req, s.tier(r))
	if err != nil {
		span.RecordError(err)
		s.writeError(w, r, err)
		return
	}
	for _, warn := range sub.Warnings {
		w.Header().Add("X-Quota-Warning", warn)
	}
	if sub.Result != nil {
		s.respondJSON(w, http.StatusOK, sub.Result)
		return
	}
	span.SetAttributes(attribute.String("job_id", sub.JobID))
	w.Header().Set("Location", "/v1/jobs/"+sub.JobID)
	s.respondJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(r.Context(), r.Header.Get(tenantHeader), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in cancelRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			s.writeError(w, r, apperr.Validation("cancel body is not valid JSON"))
			return
		}
	}
	job, err := s.svc.Cancel(r.Context(), r.Header.Get(tenantHeader), chi.URLParam(r, "id"), in.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	link, err := s.svc.ArtifactURL(r.Context(), r.Header.Get(tenantHeader), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, link)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant_id")
	if caller := r.Header.Get(tenantHeader); caller != "" && caller != tenant {
		s.writeError(w, r, apperr.New(apperr.KindNotFound, "tenant %s not found", tenant))
		return
	}
	rep, err := s.svc.Quota(r.Context(), tenant, s.tier(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

// jobSummary is the payload of the final stream event.
type jobSummary struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
	Error  *model.JobError `json:"error,omitempty"`
}
