package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"generation-orchestrator/internal/lifecycle"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/report"
)

// handleReport applies a worker or collaborator report. Reports the state
// machine does not accept are acknowledged with applied=false.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var rep report.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if rep.JobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_report", "jobId is required")
		return
	}
	ev, err := reportEvent(rep)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_report", err.Error())
		return
	}

	requestID := requestIDFrom(w, r)
	out, err := s.deps.Lifecycle.Apply(r.Context(), rep.JobID, requestID, ev)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Applied: out.Applied, Status: out.Status})
}

func reportEvent(rep report.Report) (lifecycle.Event, error) {
	switch rep.Type {
	case report.TypeStatus:
		var p report.StatusPayload
		if err := json.Unmarshal(rep.Payload, &p); err != nil {
			return lifecycle.Event{}, fmt.Errorf("status report needs payload {status}")
		}
		switch p.Status {
		case models.StatusQueued:
			return lifecycle.Event{Type: lifecycle.EventQueued}, nil
		case models.StatusProcessing:
			return lifecycle.Event{Type: lifecycle.EventProcessing}, nil
		case models.StatusCancelled:
			return lifecycle.Event{Type: lifecycle.EventCancelled}, nil
		case models.StatusCompleted:
			return lifecycle.Event{Type: lifecycle.EventCompleted}, nil
		case models.StatusFailed:
			return lifecycle.Event{Type: lifecycle.EventFailed, Error: &models.JobError{
				Code:    models.ErrCodeReported,
				Message: "reported failed without detail",
			}}, nil
		}
		return lifecycle.Event{}, fmt.Errorf("unsupported status %q", p.Status)
	case report.TypeProgress:
		if rep.Progress == nil {
			return lifecycle.Event{}, fmt.Errorf("progress report needs progress")
		}
		return lifecycle.Event{Type: lifecycle.EventProgress, Progress: rep.Progress}, nil
	case report.TypeCompleted:
		var result json.RawMessage
		if len(rep.Payload) > 0 && string(rep.Payload) != "null" {
			result = rep.Payload
		}
		return lifecycle.Event{Type: lifecycle.EventCompleted, Result: result}, nil
	case report.TypeFailed:
		return lifecycle.Event{Type: lifecycle.EventFailed, Error: reportedError(rep.Payload)}, nil
	}
	return lifecycle.Event{}, fmt.Errorf("unknown report type %q", rep.Type)
}

// reportedError reads a failed payload: a JobError object, a bare message
// string or nothing.
func reportedError(payload json.RawMessage) *models.JobError {
	jobErr := &models.JobError{}
	if err := json.Unmarshal(payload, jobErr); err != nil {
		var msg string
		if json.Unmarshal(payload, &msg) == nil {
			jobErr.Message = msg
		}
	}
	if jobErr.Code == "" {
		jobErr.Code = models.ErrCodeReported
	}
	if jobErr.Message == "" {
		jobErr.Message = "reported failure"
	}
	return jobErr
}
