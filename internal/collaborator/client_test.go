package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/models"
)

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-Id") != "req-1" {
			t.Errorf("missing request id header")
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Narrative != "rain" || req.Duration != 45 {
			t.Errorf("unexpected payload %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Response{Audio: []byte("RIFF"), Format: "wav", DurationSeconds: 45})
	}))
	defer srv.Close()

	c := NewClient(config.CollaboratorConfig{URL: srv.URL + "/", Timeout: time.Second})
	resp, err := c.Generate(context.Background(), Request{JobID: "j1", RequestID: "req-1", Narrative: "rain", Duration: 45})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(resp.Audio) != "RIFF" || resp.Format != "wav" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestGenerateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(config.CollaboratorConfig{URL: srv.URL, Timeout: 30 * time.Millisecond})
	_, err := c.Generate(context.Background(), Request{JobID: "j1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	je := JobError(err)
	if je.Code != models.ErrCodeCollaboratorTimeout || !je.Retryable {
		t.Fatalf("unexpected job error %+v", je)
	}
}

func TestGenerateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(config.CollaboratorConfig{URL: url, Timeout: time.Second})
	_, err := c.Generate(context.Background(), Request{JobID: "j1"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if je := JobError(err); je.Code != models.ErrCodeCollaboratorUnreachable || !je.Retryable {
		t.Fatalf("unexpected job error %+v", je)
	}
}

func TestGenerateServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(config.CollaboratorConfig{URL: srv.URL, Timeout: time.Second})
	_, err := c.Generate(context.Background(), Request{JobID: "j1"})
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.StatusCode != http.StatusBadRequest || svcErr.Retryable {
		t.Fatalf("expected non-retryable service error, got %v", err)
	}
	if je := JobError(err); je.Code != models.ErrCodeCollaborator {
		t.Fatalf("unexpected code %s", je.Code)
	}
}

func TestGenerateParentCancelIsNotTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	c := NewClient(config.CollaboratorConfig{URL: srv.URL, Timeout: time.Second})
	_, err := c.Generate(ctx, Request{JobID: "j1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateRejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Audio: make([]byte, 256)})
	}))
	defer srv.Close()

	c := NewClient(config.CollaboratorConfig{URL: srv.URL, Timeout: time.Second, MaxBytes: 64})
	_, err := c.Generate(context.Background(), Request{JobID: "j1"})
	var svcErr *Error
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestGenerateRateLimitWaitCountsAgainstTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(Response{Audio: []byte("ok")})
	}))
	defer srv.Close()

	// One token per minute: the second call cannot get a token in time.
	c := NewClient(config.CollaboratorConfig{URL: srv.URL, Timeout: 50 * time.Millisecond, RateLimit: 1.0 / 60, RateBurst: 1})
	if _, err := c.Generate(context.Background(), Request{JobID: "j1"}); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	start := time.Now()
	_, err := c.Generate(context.Background(), Request{JobID: "j2"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("rate limit wait outlived the call timeout: %s", time.Since(start))
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one request to reach the collaborator, got %d", hits.Load())
	}
}
