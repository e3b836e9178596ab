package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dharsanguruparan/scribeflow/internal/signing"
)

// PushPath is where the worker accepts pushed deliveries.
const PushPath = "/internal/dispatch"

// PushDispatcher POSTs signed messages to a worker's push endpoint.
type PushDispatcher struct {
	url    string
	signer *signing.Signer
	client *http.Client
}

// NewPushDispatcher targets baseURL (for example http://worker:8081).
func NewPushDispatcher(baseURL string, signer *signing.Signer, client *http.Client) *PushDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PushDispatcher{url: baseURL + PushPath, signer: signer, client: client}
}

// Dispatch delivers msg. Any non-2xx answer is an error so the caller can
// retry or fail the job.
func (d *PushDispatcher) Dispatch(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	d.signer.SignRequest(req, body)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push message: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
