//go:build integration

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"jobrelay/internal/models"
)

func setupPostgres(t *testing.T, ctx context.Context) *PostgresStore {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "jobs",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	st, err := New(ctx, fmt.Sprintf("postgres://test:test@%s:%s/jobs?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func TestIntegration_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t, ctx)

	job, err := st.CreateJob(ctx, CreateJobParams{Type: "demo", Input: map[string]any{"n": 3}, Owner: models.Owner{UserID: "u1", TenantID: "t1"}})
	require.NoError(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, "u1", got.Owner.UserID)
	require.Equal(t, float64(3), got.Input["n"])

	ok, err := st.MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	p, step := 60, "process"
	require.NoError(t, st.UpdateProgress(ctx, job.ID, ProgressUpdate{Progress: &p, CurrentStep: &step}))
	lower := 10
	require.NoError(t, st.UpdateProgress(ctx, job.ID, ProgressUpdate{Progress: &lower}))
	got, _ = st.GetJob(ctx, job.ID)
	require.Equal(t, 60, got.Progress)

	ok, err = st.MarkSucceeded(ctx, job.ID, json.RawMessage(`{"count":3}`))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.MarkFailed(ctx, job.ID, FailParams{Error: "late"})
	require.NoError(t, err)
	require.False(t, ok)

	got, _ = st.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusSucceeded, got.Status)
	require.JSONEq(t, `{"count":3}`, string(got.Result))
}

func TestIntegration_CancelQueued(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t, ctx)

	job, err := st.CreateJob(ctx, CreateJobParams{Type: "demo", Owner: models.Owner{SessionID: "s1"}})
	require.NoError(t, err)
	require.NoError(t, st.RequestCancel(ctx, job.ID))

	cancelled, err := st.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	ok, err := st.MarkFailed(ctx, job.ID, FailParams{Error: models.ErrorCancelled, Code: models.ErrorCodeCancelled, From: models.StatusQueued})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.GetJob(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestIntegration_CancelFinishedJobIsRejected(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t, ctx)

	job, err := st.CreateJob(ctx, CreateJobParams{Type: "demo", Owner: models.Owner{UserID: "u1"}})
	require.NoError(t, err)
	_, err = st.MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	_, err = st.MarkSucceeded(ctx, job.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.ErrorIs(t, st.RequestCancel(ctx, job.ID), ErrJobTerminal)
	require.ErrorIs(t, st.RequestCancel(ctx, "00000000-0000-0000-0000-000000000000"), ErrJobNotFound)

	cancelled, err := st.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
}
