package models

import (
	"encoding/json"
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Error values recorded for cooperative cancellation.
const (
	ErrorCancelled     = "Cancelled"
	ErrorCodeCancelled = "CANCELLED"
)

// Owner scopes a job to the identity that created it.
type Owner struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

// IsZero reports whether no identity is present.
func (o Owner) IsZero() bool {
	return o.UserID == "" && o.SessionID == "" && o.TenantID == ""
}

// CanAccess reports whether the requesting identity o may see a job owned by job.
func (o Owner) CanAccess(job Owner) bool {
	switch {
	case job.UserID != "" && o.UserID == job.UserID:
		return true
	case job.SessionID != "" && o.SessionID == job.SessionID:
		return true
	case job.UserID == "" && job.SessionID == "" && job.TenantID != "" && o.TenantID == job.TenantID:
		return true
	}
	return false
}

// Key returns a stable identifier for per-owner bookkeeping such as rate limits.
func (o Owner) Key() string {
	switch {
	case o.UserID != "":
		return "user:" + o.UserID
	case o.SessionID != "":
		return "session:" + o.SessionID
	case o.TenantID != "":
		return "tenant:" + o.TenantID
	}
	return "anonymous"
}

// Job represents a unit of asynchronous work persisted in Postgres.
type Job struct {
	ID                        string          `json:"id"`
	Type                      string          `json:"type"`
	Status                    Status          `json:"status"`
	Input                     map[string]any  `json:"input"`
	Result                    json.RawMessage `json:"result,omitempty"`
	Progress                  int             `json:"progress"`
	CurrentStep               *string         `json:"currentStep,omitempty"`
	EstimatedSecondsRemaining *int            `json:"estimatedSecondsRemaining,omitempty"`
	Error                     *string         `json:"error,omitempty"`
	ErrorCode                 *string         `json:"errorCode,omitempty"`
	Owner                     Owner           `json:"owner"`
	CancelRequested           bool            `json:"cancelRequested"`
	CreatedAt                 time.Time       `json:"createdAt"`
	UpdatedAt                 time.Time       `json:"updatedAt"`
	StartedAt                 *time.Time      `json:"startedAt,omitempty"`
	FinishedAt                *time.Time      `json:"finishedAt,omitempty"`
}

// StatusView is the client-facing projection returned by the status endpoint.
type StatusView struct {
	JobID                  string          `json:"jobId"`
	Status                 Status          `json:"status"`
	Progress               int             `json:"progress"`
	CurrentStep            *string         `json:"currentStep"`
	EstimatedTimeRemaining *int            `json:"estimatedTimeRemaining"`
	Error                  *string         `json:"error"`
	ErrorCode              *string         `json:"errorCode"`
	Result                 json.RawMessage `json:"result"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// View projects the job row for clients.
func (j Job) View() StatusView {
	v := StatusView{
		JobID:                  j.ID,
		Status:                 j.Status,
		Progress:               j.Progress,
		CurrentStep:            j.CurrentStep,
		EstimatedTimeRemaining: j.EstimatedSecondsRemaining,
		CreatedAt:              j.CreatedAt,
		UpdatedAt:              j.UpdatedAt,
	}
	switch j.Status {
	case StatusSucceeded:
		v.Result = j.Result
	case StatusFailed:
		v.Error = j.Error
		v.ErrorCode = j.ErrorCode
	}
	return v
}

// NarrativeEvent is one append-only narration entry for jobs that stream a story to the UI.
type NarrativeEvent struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Progress  *int      `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Seq is the 1-based position in the job's narrative log, assigned on append.
	Seq int64 `json:"seq,omitempty"`
}
