package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobrelay/internal/models"
)

func intPtr(v int) *int { return &v }

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job, err := s.CreateJob(ctx, CreateJobParams{Type: "demo", Input: map[string]any{"n": 3}, Owner: models.Owner{UserID: "u1"}})
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, job.Status)

	// Progress is ignored until the job runs.
	require.NoError(t, s.UpdateProgress(ctx, job.ID, ProgressUpdate{Progress: intPtr(40)}))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.Progress)

	ok, err := s.MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.False(t, ok, "second claim must lose")

	step := "process"
	require.NoError(t, s.UpdateProgress(ctx, job.ID, ProgressUpdate{Progress: intPtr(50), CurrentStep: &step}))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, ProgressUpdate{Progress: intPtr(20)}))
	got, _ = s.GetJob(ctx, job.ID)
	require.Equal(t, 50, got.Progress, "progress must not decrease")
	require.Equal(t, "process", *got.CurrentStep)

	ok, err = s.MarkSucceeded(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkFailed(ctx, job.ID, FailParams{Error: "late"})
	require.NoError(t, err)
	require.False(t, ok, "terminal rows are immutable")

	got, _ = s.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusSucceeded, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.FinishedAt)
}

func TestMemoryStoreCancelQueued(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job, _ := s.CreateJob(ctx, CreateJobParams{Type: "demo", Owner: models.Owner{SessionID: "s"}})

	require.NoError(t, s.RequestCancel(ctx, job.ID))
	cancelled, err := s.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	ok, err := s.MarkFailed(ctx, job.ID, FailParams{Error: models.ErrorCancelled, Code: models.ErrorCodeCancelled, From: models.StatusQueued})
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = s.MarkRunning(ctx, job.ID, time.Now())
	require.False(t, ok)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.ErrorIs(t, s.RequestCancel(ctx, "missing"), ErrJobNotFound)
}

func TestMemoryStoreCancelLeavesFinishedRowsUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job, _ := s.CreateJob(ctx, CreateJobParams{Type: "demo", Owner: models.Owner{UserID: "u1"}})
	_, _ = s.MarkRunning(ctx, job.ID, time.Now())
	ok, err := s.MarkSucceeded(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, ok)
	before, _ := s.GetJob(ctx, job.ID)

	require.ErrorIs(t, s.RequestCancel(ctx, job.ID), ErrJobTerminal)

	after, _ := s.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusSucceeded, after.Status)
	require.False(t, after.CancelRequested)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	input := map[string]any{"n": 3}
	job, _ := s.CreateJob(ctx, CreateJobParams{Type: "demo", Input: input, Owner: models.Owner{UserID: "u1"}})
	input["n"] = 99

	got, _ := s.GetJob(ctx, job.ID)
	require.Equal(t, 3, got.Input["n"])
	got.Input["n"] = 42
	got.Input["extra"] = true

	again, _ := s.GetJob(ctx, job.ID)
	require.Equal(t, map[string]any{"n": 3}, again.Input)
}
