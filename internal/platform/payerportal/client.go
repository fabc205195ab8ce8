// Package payerportal is the client for the remote verification service that
// runs eligibility tasks against payer portals.
package payerportal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrResultNotReady is returned by EnrichedResult while the v3 payload does
// not exist yet.
var ErrResultNotReady = errors.New("enriched result not ready")

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payer portal returned %d: %s", e.Code, e.Body)
}

// SubmitRequest starts a verification task. Either PayerID or SearchAll is
// required.
type SubmitRequest struct {
	PatientID     string            `json:"patient_id,omitempty"`
	PatientMPI    string            `json:"patient_mpi,omitempty"`
	AppointmentID string            `json:"appointment_id,omitempty"`
	EncounterID   string            `json:"encounter_id,omitempty"`
	PayerID       string            `json:"payer_id,omitempty"`
	SearchAll     bool              `json:"is_search_all"`
	Member        map[string]string `json:"member,omitempty"`
}

// SubmitResponse carries the remote task identity.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskStatus is the body of the task status endpoint.
type TaskStatus struct {
	Status            string          `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	Screenshot        string          `json:"screenshot,omitempty"`
	Documents         json.RawMessage `json:"documents,omitempty"`
	IsSearchAll       bool            `json:"isSearchAll,omitempty"`
	AggregatedResults json.RawMessage `json:"aggregatedResults,omitempty"`
}

// Config holds connection settings. RPS <= 0 disables the outbound limiter.
type Config struct {
	BaseURL string
	APIKey  string
	RPS     float64
	Burst   int
	Timeout time.Duration
}

// Client talks to the verification service. Requests share one rate limiter;
// concurrent enrichment fetches for the same task are collapsed into one.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	enrich     singleflight.Group
	logger     zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid payer portal url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RPS)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		baseURL:    u,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Submit creates a remote task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.PayerID == "" && !req.SearchAll {
		return nil, errors.New("payer_id or is_search_all is required")
	}
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, errors.New("payer portal returned no task id")
	}
	return &out, nil
}

// TaskStatus fetches the current status of a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var out TaskStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnrichedResult fetches the v3 result payload of a finished task.
func (c *Client) EnrichedResult(ctx context.Context, taskID string) (json.RawMessage, error) {
	v, err, shared := c.enrich.Do(taskID, func() (interface{}, error) {
		var out json.RawMessage
		err := c.do(ctx, http.MethodGet, "/v3/tasks/"+url.PathEscape(taskID)+"/result", nil, &out)
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusConflict) {
			return nil, ErrResultNotReady
		}
		return out, err
	})
	if shared {
		c.logger.Debug().Str("task_id", taskID).Msg("shared enrichment fetch")
	}
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	u := *c.baseURL
	u.Path = u.Path + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).Msg("payer portal request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
