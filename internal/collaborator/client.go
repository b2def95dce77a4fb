package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/telemetry"
)

var (
	// ErrUnreachable means the service could not be contacted.
	ErrUnreachable = errors.New("generation service unreachable")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("generation service timed out")
)

// Error is a non-success answer from the generation service.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation service returned %d: %s", e.StatusCode, e.Message)
}

// Request is the body of POST /generate.
type Request struct {
	JobID     string         `json:"jobId"`
	RequestID string         `json:"requestId,omitempty"`
	Narrative string         `json:"narrative,omitempty"`
	Duration  int            `json:"duration,omitempty"`
	Model     string         `json:"model,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Response carries the generated audio. Binary fields are base64 in JSON.
type Response struct {
	Audio           []byte         `json:"audio"`
	Format          string         `json:"format"`
	DurationSeconds float64        `json:"durationSeconds"`
	Title           string         `json:"title,omitempty"`
	Artwork         []byte         `json:"artwork,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Generator produces audio for a job.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Client calls the generation service over HTTP. Each call is bounded by its
// own timeout and paced by an optional rate limit.
type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	maxBytes int64
	limiter  *rate.Limiter
}

var _ Generator = (*Client)(nil)

func NewClient(cfg config.CollaboratorConfig) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		http:     &http.Client{},
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.maxBytes <= 0 {
		c.maxBytes = 100 * 1024 * 1024
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Generate posts req to /generate. The call timeout covers the wait for a
// rate limit token. Cancellation of ctx itself is returned unchanged so
// callers can tell shutdown apart from a timed out call.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			return Response{}, fmt.Errorf("%w waiting for rate limit: %v", ErrTimeout, err)
		}
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestID)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		err = c.classify(ctx, callCtx, err)
		observe(start, err)
		return Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		err = c.classify(ctx, callCtx, err)
		observe(start, err)
		return Response{}, err
	}
	if int64(len(data)) > c.maxBytes {
		err = &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("response exceeds %d bytes", c.maxBytes)}
		observe(start, err)
		return Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = &Error{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(truncate(data, 512))),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
		observe(start, err)
		return Response{}, err
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		err = &Error{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
		observe(start, err)
		return Response{}, err
	}
	if len(out.Audio) == 0 {
		err = &Error{StatusCode: resp.StatusCode, Message: "response has no audio"}
		observe(start, err)
		return Response{}, err
	}
	observe(start, nil)
	return out, nil
}

func (c *Client) classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// JobError maps a Generate error to the error recorded on the failed job.
// Timeouts and unreachable services are retryable by resubmission.
func JobError(err error) models.JobError {
	var svcErr *Error
	switch {
	case errors.Is(err, ErrTimeout):
		return models.JobError{Code: models.ErrCodeCollaboratorTimeout, Message: err.Error(), Retryable: true}
	case errors.Is(err, ErrUnreachable):
		return models.JobError{Code: models.ErrCodeCollaboratorUnreachable, Message: err.Error(), Retryable: true}
	case errors.As(err, &svcErr):
		return models.JobError{Code: models.ErrCodeCollaborator, Message: svcErr.Error(), Retryable: svcErr.Retryable}
	}
	return models.JobError{Code: models.ErrCodeInternal, Message: err.Error()}
}

func observe(start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrUnreachable):
		outcome = "unreachable"
	default:
		outcome = "error"
	}
	telemetry.CollaboratorLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
