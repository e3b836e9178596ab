// Package signing implements the HMAC helper that authenticates push
// deliveries between the gateway and the worker.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	SignatureHeader = "X-Scribeflow-Signature"
	TimestampHeader = "X-Scribeflow-Timestamp"
)

var (
	ErrMissing      = errors.New("signature headers missing")
	ErrStale        = errors.New("signature timestamp outside allowed skew")
	ErrBadSignature = errors.New("signature mismatch")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewSigner creates a Signer. A non-positive maxSkew defaults to five minutes.
func NewSigner(secret []byte, maxSkew time.Duration) *Signer {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Signer{secret: secret, maxSkew: maxSkew, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign returns the hex signature of "<timestamp>.<body>".
func (s *Signer) Sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest stamps req with the current timestamp and the body signature.
func (s *Signer) SignRequest(req *http.Request, body []byte) {
	ts := s.now().Unix()
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(SignatureHeader, s.Sign(ts, body))
}

// Validate checks signature against body and rejects timestamps further than
// the allowed skew from now in either direction.
func (s *Signer) Validate(timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return ErrMissing
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return ErrStale
	}
	expected := s.Sign(ts, body)
	// hmac.Equal performs constant-time comparison.
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// ValidateRequest validates the signature headers of r against body.
func (s *Signer) ValidateRequest(r *http.Request, body []byte) error {
	return s.Validate(r.Header.Get(TimestampHeader), r.Header.Get(SignatureHeader), body)
}
