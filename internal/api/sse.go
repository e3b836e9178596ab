package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// sseWriter serializes event frames and heartbeats onto one response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) event(id, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// resumeFrom reads the last sequence number the client has seen, from
// Last-Event-ID or the after query parameter.
func resumeFrom(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid resume position %q", raw)
	}
	return n, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := r.Header.Get(tenantHeader)
	id := chi.URLParam(r, "id")

	after, err := resumeFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.svc.Job(ctx, tenant, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &sseWriter{w: w, flusher: flusher}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	defer func() {
		close(stop)
		wg.Wait()
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := out.comment("heartbeat"); err != nil {
					return
				}
			}
		}
	}()

	job, err := s.svc.Stream(ctx, tenant, id, after, func(entry model.ProgressEntry) error {
		return out.event(strconv.Itoa(entry.Seq), "progress", entry)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("stream ended with error", zap.String("job_id", id), zap.Error(err))
			_ = out.event("", "error", apperr.ToEnvelope(err))
		}
		return
	}
	_ = out.event("", "done", jobSummary{JobID: job.ID, Status: job.Status, Error: job.Error})
}
