// Package emrsink delivers resolved eligibility checks to the EMR write-back
// endpoint. Payloads are signed with HMAC-SHA256 and retried on transient
// failures; their shape is opaque to the sink.
package emrsink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Signature"
	HeaderEventID   = "X-Event-ID"
	HeaderTimestamp = "X-Event-Timestamp"
)

// ErrPermanent marks a delivery the endpoint rejected outright; it is not
// retried.
var ErrPermanent = errors.New("delivery rejected by sink")

// Event is one write-back message.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ClinicID  string          `json:"clinic_id"`
	TaskID    string          `json:"task_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryAttempt records a single POST to the sink.
type DeliveryAttempt struct {
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature as sent in the X-Signature header,
// with or without the "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Sink.
type Option func(*Sink)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; the number of attempts is
// len(delays)+1.
func WithRetryDelays(d ...time.Duration) Option {
	return func(s *Sink) { s.retryDelays = d }
}

// Sink posts events to one endpoint.
type Sink struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

func New(url, secret string, logger zerolog.Logger, opts ...Option) *Sink {
	s := &Sink{
		url:         url,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		logger:      logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Deliver posts ev until it succeeds, the endpoint rejects it with a
// non-retryable status, the retries run out, or ctx ends.
func (s *Sink) Deliver(ctx context.Context, ev Event) ([]DeliveryAttempt, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal sink event: %w", err)
	}
	sig := SignPayload(payload, s.secret)

	var attempts []DeliveryAttempt
	for i := 0; ; i++ {
		a, retryable := s.post(ctx, ev, payload, sig)
		a.Attempt = i + 1
		attempts = append(attempts, a)
		if a.Status == "success" {
			return attempts, nil
		}
		if !retryable {
			return attempts, fmt.Errorf("%w: %s", ErrPermanent, a.Error)
		}
		if i >= len(s.retryDelays) {
			return attempts, fmt.Errorf("sink delivery failed after %d attempts: %s", len(attempts), a.Error)
		}
		t := time.NewTimer(s.retryDelays[i])
		select {
		case <-ctx.Done():
			t.Stop()
			return attempts, ctx.Err()
		case <-t.C:
		}
	}
}

// Enqueue delivers ev in the background. Failures are logged.
func (s *Sink) Enqueue(ev Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		attempts, err := s.Deliver(ctx, ev)
		log := s.logger.With().Str("clinic_id", ev.ClinicID).Str("task_id", ev.TaskID).Int("attempts", len(attempts)).Logger()
		if err != nil {
			log.Error().Err(err).Msg("emr write-back failed")
			return
		}
		log.Debug().Msg("emr write-back delivered")
	}()
}

// Wait blocks until every enqueued delivery has finished or ctx ends.
func (s *Sink) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) post(ctx context.Context, ev Event, payload []byte, sig string) (DeliveryAttempt, bool) {
	a := DeliveryAttempt{Status: "failed"}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		a.Error = err.Error()
		return a, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+sig)
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderTimestamp, ev.Timestamp.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Error = err.Error()
		return a, ctx.Err() == nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		a.Status = "success"
		return a, false
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
		return a, true
	default:
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
		return a, false
	}
}
