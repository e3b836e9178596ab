package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/queue"
	"github.com/dharsanguruparan/scribeflow/internal/signing"
)

// PushHandler accepts signed deliveries on queue.PushPath and hands them to
// local, which runs them in the background. Any non-2xx answer tells the
// pusher to retry.
func PushHandler(signer *signing.Signer, local queue.Dispatcher, maxBody int64, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "push"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			apperr.WriteHTTP(w, apperr.Validation("method %s not allowed", r.Method))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			apperr.WriteHTTP(w, apperr.Validation("read body: %v", err))
			return
		}
		if err := signer.ValidateRequest(r, body); err != nil {
			log.Warn("rejected push delivery", zap.Error(err))
			writeUnauthorized(w, err)
			return
		}
		msg, err := queue.Decode(body)
		if err != nil {
			apperr.WriteHTTP(w, apperr.Validation("%v", err))
			return
		}
		if err := local.Dispatch(r.Context(), msg); err != nil {
			log.Warn("push delivery not accepted", zap.String("job_id", msg.JobID), zap.Error(err))
			if errors.Is(err, queue.ErrQueueFull) {
				w.Header().Set("Retry-After", "5")
			}
			apperr.WriteHTTP(w, apperr.Wrap(apperr.KindDeliveryExhausted, err, "worker busy"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	})
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(apperr.Envelope{ErrorKind: "unauthorized", Message: err.Error()})
}
