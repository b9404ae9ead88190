// Package webhook delivers queue events to an HTTP endpoint with an
// HMAC-SHA256 signature, for integrations such as patient paging or
// waiting-room displays.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clinicq/clinicq/internal/domain/queue"
)

const (
	SignatureHeader = "X-Clinicq-Signature"
	EventHeader     = "X-Clinicq-Event"
	TimestampHeader = "X-Clinicq-Timestamp"
)

// SignPayload returns the hex-encoded HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is what receivers call to authenticate a delivery.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// eventMatches reports whether an event type matches a subscription
// pattern: "*", an exact type, or a prefix such as "PATIENT_*".
func eventMatches(pattern string, t queue.EventType) bool {
	if pattern == "*" || pattern == string(t) {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(string(t), prefix)
	}
	return false
}

type Option func(*Sink)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

// WithEvents limits delivery to matching event types.
func WithEvents(patterns ...string) Option {
	return func(s *Sink) { s.events = patterns }
}

// Sink posts every matching event to one endpoint.
type Sink struct {
	url    string
	secret string
	events []string
	client *http.Client
	now    func() time.Time
}

func NewSink(rawURL, secret string, opts ...Option) (*Sink, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	s := &Sink{
		url:    rawURL,
		secret: secret,
		events: []string{"*"},
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Sink) Name() string { return "webhook" }

func (s *Sink) wants(t queue.EventType) bool {
	for _, p := range s.events {
		if eventMatches(p, t) {
			return true
		}
	}
	return false
}

// Publish returns an error for transport failures and non-2xx answers so
// the dispatcher retries them.
func (s *Sink) Publish(ctx context.Context, ev queue.Event) error {
	if !s.wants(ev.Type) {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(ev.Type))
	req.Header.Set(TimestampHeader, s.now().UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
