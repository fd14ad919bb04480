package models

import (
	"time"
)

// Job lifecycle states shared by the queue and the job store.
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Status values exposed through the status cache.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// Payload references an uploaded recording in object storage.
type Payload struct {
	FilePath       string `json:"filePath"`
	RecordingID    string `json:"recordingId"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
}

// Job is an audio-processing job.
type Job struct {
	ID           string     `json:"id"`
	Payload      Payload    `json:"payload"`
	State        string     `json:"state"`
	Priority     string     `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"maxAttempts"`
	LastError    string     `json:"lastError,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
	FailedStage  string     `json:"failedStage,omitempty"`
	Stacktrace   string     `json:"stacktrace,omitempty"`
	Analysis     *Analysis  `json:"analysis,omitempty"`
	RunAt        time.Time  `json:"runAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job reached completed or failed.
func (j Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Analysis is the result of transcribing and summarising a recording.
type Analysis struct {
	Transcript string `json:"transcript"`
	Summary    string `json:"summary"`
	Language   string `json:"language,omitempty"`
	Model      string `json:"model"`
}

// StatusRecord is the read-optimised projection of a recording's latest job.
type StatusRecord struct {
	RecordingID string    `json:"recordingId"`
	JobID       string    `json:"jobId"`
	Status      string    `json:"status"`
	Stage       string    `json:"stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	Analysis    *Analysis `json:"analysis,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StatusForState maps a job state to the status shown to pollers.
func StatusForState(state string) string {
	switch state {
	case StateActive:
		return StatusProcessing
	case StateCompleted:
		return StatusDone
	case StateFailed:
		return StatusError
	default:
		return StatusPending
	}
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
