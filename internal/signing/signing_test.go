package signing

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewSigner([]byte("topsecret"), 5*time.Minute).WithClock(func() time.Time { return now })
	body := []byte(`{"job_id":"job-1"}`)

	sig := s.Sign(now.Unix(), body)
	require.NotEmpty(t, sig)
	ts := strconv.FormatInt(now.Unix(), 10)

	assert.NoError(t, s.Validate(ts, sig, body))
	assert.ErrorIs(t, s.Validate(ts, sig, []byte(`{"job_id":"job-2"}`)), ErrBadSignature)
	assert.ErrorIs(t, s.Validate("1700000001", sig, body), ErrBadSignature)
	assert.ErrorIs(t, s.Validate("not-a-number", sig, body), ErrBadSignature)
	assert.ErrorIs(t, s.Validate("", sig, body), ErrMissing)

	other := NewSigner([]byte("othersecret"), 0).WithClock(func() time.Time { return now })
	assert.ErrorIs(t, other.Validate(ts, sig, body), ErrBadSignature)
}

func TestSignerRejectsStaleTimestamps(t *testing.T) {
	signedAt := time.Unix(1700000000, 0)
	now := signedAt
	s := NewSigner([]byte("topsecret"), 5*time.Minute).WithClock(func() time.Time { return now })
	body := []byte("payload")
	sig := s.Sign(signedAt.Unix(), body)
	ts := strconv.FormatInt(signedAt.Unix(), 10)

	now = signedAt.Add(5 * time.Minute)
	assert.NoError(t, s.Validate(ts, sig, body))

	now = signedAt.Add(5*time.Minute + time.Second)
	assert.ErrorIs(t, s.Validate(ts, sig, body), ErrStale)

	now = signedAt.Add(-6 * time.Minute)
	assert.ErrorIs(t, s.Validate(ts, sig, body), ErrStale)
}

func TestSignRequestRoundTrip(t *testing.T) {
	s := NewSigner([]byte("topsecret"), time.Minute)
	body := []byte(`{"job_id":"job-1"}`)
	req := httptest.NewRequest("POST", "/internal/dispatch", nil)

	s.SignRequest(req, body)
	assert.NotEmpty(t, req.Header.Get(SignatureHeader))
	assert.NoError(t, s.ValidateRequest(req, body))
}
