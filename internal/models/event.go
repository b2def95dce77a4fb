package models

import (
	"encoding/json"
	"time"
)

// EventName is the name pushed to relay subscribers.
type EventName string

const (
	EventStatus    EventName = "job:status"
	EventProgress  EventName = "job:progress"
	EventCompleted EventName = "job:completed"
	EventFailed    EventName = "job:failed"
)

// Event is a job notification fanned out by the status relay. Data holds
// {id,status}, {id,progress}, {job} or {id,error} depending on Name.
type Event struct {
	Name      EventName       `json:"event"`
	JobID     string          `json:"jobId"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

type statusData struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

type progressData struct {
	ID       string    `json:"id"`
	Progress *Progress `json:"progress"`
}

type completedData struct {
	Job Job `json:"job"`
}

type failedData struct {
	ID    string    `json:"id"`
	Error *JobError `json:"error"`
}

// StatusEvent builds a job:status event.
func StatusEvent(job Job) Event {
	return newEvent(EventStatus, job, statusData{ID: job.ID, Status: job.Status})
}

// ProgressEvent builds a job:progress event.
func ProgressEvent(job Job) Event {
	return newEvent(EventProgress, job, progressData{ID: job.ID, Progress: job.Progress})
}

// CompletedEvent builds a job:completed event carrying the full record.
func CompletedEvent(job Job) Event {
	return newEvent(EventCompleted, job, completedData{Job: job})
}

// FailedEvent builds a job:failed event.
func FailedEvent(job Job) Event {
	return newEvent(EventFailed, job, failedData{ID: job.ID, Error: job.Error})
}

func newEvent(name EventName, job Job, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		// Only plain structs reach here; a failure means a broken Options value.
		raw = []byte(`{"id":"` + job.ID + `"}`)
	}
	return Event{
		Name:      name,
		JobID:     job.ID,
		UserID:    job.UserID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
}
