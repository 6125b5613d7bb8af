package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"jobrelay/internal/models"
)

// ErrJobNotFound is returned when no row exists for the requested id.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned when a write targets a job that already finished.
var ErrJobTerminal = errors.New("job already finished")

// JobStore is the durable source of truth for job rows.
// Status transitions are conditional so concurrent writers cannot move a job backwards.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// UpdateProgress merges the non-nil fields of a running job. Progress never decreases.
	UpdateProgress(ctx context.Context, id string, u ProgressUpdate) error
	// MarkRunning moves queued to running and reports whether this caller won the transition.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// MarkSucceeded moves running to succeeded with progress 100.
	MarkSucceeded(ctx context.Context, id string, result json.RawMessage) (bool, error)
	// MarkFailed moves a job in status p.From (running by default) to failed.
	MarkFailed(ctx context.Context, id string, p FailParams) (bool, error)
	// RequestCancel flags a queued or running job. Finished rows are left untouched.
	RequestCancel(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
	Close()
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type  string
	Input map[string]any
	Owner models.Owner
}

// ProgressUpdate lists the fields a running job may change.
type ProgressUpdate struct {
	Progress                  *int
	CurrentStep               *string
	EstimatedSecondsRemaining *int
}

// FailParams describes a failed transition.
type FailParams struct {
	Error string
	Code  string
	From  models.Status
}

func (p FailParams) from() models.Status {
	if p.From == "" {
		return models.StatusRunning
	}
	return p.From
}
