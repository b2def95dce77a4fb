// Package report carries job reports from out-of-process collaborators and
// the orchestrator-report command to the API's /jobs/report endpoint.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"generation-orchestrator/internal/models"
)

// Type is the kind of a report.
type Type string

const (
	TypeStatus    Type = "status"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
)

// Report is the body of POST /jobs/report. Payload is {"status": ...} for
// status reports, the result for completed and a models.JobError for failed.
type Report struct {
	JobID    string           `json:"jobId"`
	Type     Type             `json:"type"`
	Progress *models.Progress `json:"progress,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// StatusPayload is the payload of a status report.
type StatusPayload struct {
	Status models.Status `json:"status"`
}

// Ack is the endpoint's reply.
type Ack struct {
	Applied bool          `json:"applied"`
	Status  models.Status `json:"status"`
}

// StatusError is a non-2xx reply.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("report endpoint returned %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client posts reports. Reports are idempotent on (jobId, X-Request-Id,
// type), so a failed send is retried with the same request id.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	attempts int
	backoff  time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets how many times a send is attempted and the initial wait
// between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.backoff = backoff
	}
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

// Send posts r. An empty requestID is replaced by a fresh one, which is
// reused across retries.
func (c *Client) Send(ctx context.Context, requestID string, r Report) (Ack, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	body, err := json.Marshal(r)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal report: %w", err)
	}

	wait := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		ack, err := c.post(ctx, requestID, body)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return Ack{}, err
		}
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return Ack{}, fmt.Errorf("send report for job %s: %w", r.JobID, lastErr)
}

func (c *Client) post(ctx context.Context, requestID string, body []byte) (Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/report", bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Ack{}, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

// Status reports a status change (queued, processing or cancelled).
func (c *Client) Status(ctx context.Context, jobID, requestID string, status models.Status) (Ack, error) {
	payload, _ := json.Marshal(StatusPayload{Status: status})
	return c.Send(ctx, requestID, Report{JobID: jobID, Type: TypeStatus, Payload: payload})
}

func (c *Client) Progress(ctx context.Context, jobID, requestID string, p models.Progress) (Ack, error) {
	return c.Send(ctx, requestID, Report{JobID: jobID, Type: TypeProgress, Progress: &p})
}

// Complete reports success. result is marshalled as the job result.
func (c *Client) Complete(ctx context.Context, jobID, requestID string, result any) (Ack, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal result: %w", err)
	}
	return c.Send(ctx, requestID, Report{JobID: jobID, Type: TypeCompleted, Payload: payload})
}

func (c *Client) Fail(ctx context.Context, jobID, requestID string, jobErr models.JobError) (Ack, error) {
	payload, _ := json.Marshal(jobErr)
	return c.Send(ctx, requestID, Report{JobID: jobID, Type: TypeFailed, Payload: payload})
}
