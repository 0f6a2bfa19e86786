package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates dispatch lifecycle states.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusAssigned  JobStatus = "assigned"
	StatusInFlight  JobStatus = "in_flight"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payload is the caller-supplied submission body. Kind selects the operation
// (deploy, transfer, ...) and Body is passed through to the executor untouched.
type Payload struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Receipt is what the remote ledger returns for an accepted submission.
type Receipt struct {
	ConfirmationID string `json:"confirmation_id"`
	Sequence       uint64 `json:"sequence"`
	Cost           uint64 `json:"cost"`
}

// Job represents one submission owned by exactly one identity.
type Job struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	Payload   Payload   `json:"payload"`
	Identity  string    `json:"identity"`
	Status    JobStatus `json:"status"`
	Retries   int       `json:"retries"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	Result    *Receipt  `json:"result,omitempty"`
	Err       error     `json:"-"`
}

// JobResult is the per-job row of a batch summary. Kind mirrors the payload
// kind so callers can switch on it without decoding the body.
type JobResult struct {
	JobID    string    `json:"job_id"`
	Index    int       `json:"index"`
	Identity string    `json:"identity"`
	Kind     string    `json:"kind"`
	Status   JobStatus `json:"status"`
	Retries  int       `json:"retries"`
	Attempts int       `json:"attempts"`
	Receipt  *Receipt  `json:"receipt,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// BatchSummary aggregates the outcome of one Run.
type BatchSummary struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Results    []JobResult   `json:"results"`
	Duration   time.Duration `json:"duration"`
	TotalCost  uint64        `json:"total_cost"`
}

// BatchRecord is a persisted batch summary.
type BatchRecord struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	Summary   BatchSummary `json:"summary"`
}
