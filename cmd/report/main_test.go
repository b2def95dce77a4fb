package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/report"
)

type captured struct {
	report    report.Report
	auth      string
	requestID string
}

func reportServer(t *testing.T, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/report" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		got.auth = r.Header.Get("Authorization")
		got.requestID = r.Header.Get("X-Request-Id")
		_ = json.NewDecoder(r.Body).Decode(&got.report)
		_ = json.NewEncoder(w).Encode(report.Ack{Applied: true, Status: models.StatusFailed})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), append([]string{"orchestrator-report"}, args...))
	return out.String(), err
}

func TestFailSendsJobError(t *testing.T) {
	var got captured
	srv := reportServer(t, &got)

	out, err := run(t, "--api-url", srv.URL, "--token", "tok", "--request-id", "op-1",
		"fail", "--code", "stuck", "--message", "collaborator never answered", "--retryable", "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.auth != "Bearer tok" || got.requestID != "op-1" {
		t.Fatalf("unexpected headers auth=%q request id=%q", got.auth, got.requestID)
	}
	var jobErr models.JobError
	if err := json.Unmarshal(got.report.Payload, &jobErr); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.report.JobID != "job-1" || got.report.Type != report.TypeFailed || jobErr.Code != "stuck" || !jobErr.Retryable {
		t.Fatalf("unexpected report %+v %+v", got.report, jobErr)
	}
	if !strings.Contains(out, `"applied":true`) {
		t.Fatalf("ack not printed: %q", out)
	}
}

func TestCompleteRejectsInvalidResult(t *testing.T) {
	var got captured
	srv := reportServer(t, &got)

	if _, err := run(t, "--api-url", srv.URL, "complete", "--result", "{nope", "job-1"); err == nil {
		t.Fatalf("expected invalid JSON to be rejected")
	}
	if got.report.JobID != "" {
		t.Fatalf("invalid report reached the server")
	}
}

func TestStatusRequiresJobID(t *testing.T) {
	var got captured
	srv := reportServer(t, &got)

	if _, err := run(t, "--api-url", srv.URL, "status"); err == nil {
		t.Fatalf("expected missing job id error")
	}
	if _, err := run(t, "--api-url", srv.URL, "status", "job-1", "exploded"); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestTokenSignedFromConfigSecret(t *testing.T) {
	var got captured
	srv := reportServer(t, &got)
	t.Setenv("ORCH_AUTH_JWT_SECRET", "report-secret")

	if _, err := run(t, "--api-url", srv.URL, "progress", "--current", "1", "--total", "4", "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(got.auth, "Bearer ") || len(got.auth) <= len("Bearer ") {
		t.Fatalf("expected a signed bearer token, got %q", got.auth)
	}
	if got.report.Progress == nil || got.report.Progress.Percentage != 25 {
		t.Fatalf("unexpected progress %+v", got.report.Progress)
	}
}
