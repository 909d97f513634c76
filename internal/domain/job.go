package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Job is one asynchronous dispatch. Result holds the encoded Envelope once the
// worker has run the operation.
type Job struct {
	ID           string
	Operation    string
	Params       json.RawMessage
	RequestID    string
	Status       JobStatus
	Result       json.RawMessage
	ErrorCode    string
	ErrorMessage string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string          `json:"job_id"`
	Operation   string          `json:"operation"`
	Params      json.RawMessage `json:"params"`
	RequestID   string          `json:"request_id"`
	Attempt     int             `json:"attempt"`
	RequestedAt time.Time       `json:"requested_at"`
}

type JobListItem struct {
	JobID     string    `json:"job_id"`
	Operation string    `json:"operation"`
	Status    JobStatus `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobListFilter struct {
	Operation string
	Status    JobStatus
	Page      int
	PageSize  int
	From      *time.Time
	To        *time.Time
}
