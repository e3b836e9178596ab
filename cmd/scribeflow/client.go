package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// client talks to a running gateway.
type client struct {
	base   string
	tenant string
	tier   string
	http   *http.Client
}

func newClient(base, tenant, tier string) *client {
	return &client{
		base:   strings.TrimRight(base, "/"),
		tenant: tenant,
		tier:   tier,
		http:   &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *client) request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	if c.tier != "" {
		req.Header.Set("X-Tenant-Tier", c.tier)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		var env apperr.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.ErrorKind == "" {
			return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		e := apperr.New(env.ErrorKind, "%s", env.Message)
		if env.RetryAfter != nil {
			e.RetryAfter = time.Duration(*env.RetryAfter) * time.Second
		}
		return nil, e
	}
	return resp, nil
}

// call sends body as JSON and decodes the JSON answer into out.
func (c *client) call(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// follow reads the job's event stream, calling fn for every progress entry,
// and returns the final status payload.
func (c *client) follow(ctx context.Context, id string, fn func(model.ProgressEntry)) (json.RawMessage, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/jobs/"+id+"/stream", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := []byte(strings.TrimPrefix(line, "data: "))
			switch event {
			case "progress":
				var entry model.ProgressEntry
				if err := json.Unmarshal(data, &entry); err == nil {
					fn(entry)
				}
			case "done":
				return data, nil
			case "error":
				var env apperr.Envelope
				_ = json.Unmarshal(data, &env)
				return nil, apperr.New(env.ErrorKind, "%s", env.Message)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream for job %s ended early", id)
}
