package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobrelay/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*PostgresStore)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", mapPostgresError(err))
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return mapPostgresError(s.pool.Ping(ctx))
}

const jobColumns = `id, type, status, input, result, progress, current_step, eta_seconds, error, error_code,
	user_id, session_id, tenant_id, cancel_requested, created_at, updated_at, started_at, finished_at`

// CreateJob inserts a queued job row.
func (s *PostgresStore) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Input == nil {
		p.Input = map[string]any{}
	}
	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal input: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, input, progress, user_id, session_id, tenant_id, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, FALSE, $8, $8)
	`, id, p.Type, models.StatusQueued, inputJSON,
		emptyToNil(p.Owner.UserID), emptyToNil(p.Owner.SessionID), emptyToNil(p.Owner.TenantID), now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", mapPostgresError(err))
	}

	return models.Job{
		ID:        id,
		Type:      p.Type,
		Status:    models.StatusQueued,
		Input:     p.Input,
		Owner:     p.Owner,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	var (
		job                         models.Job
		status                      string
		inputJSON, resultJSON       []byte
		step, errMsg, errCode       pgtype.Text
		userID, sessionID, tenantID pgtype.Text
		eta                         pgtype.Int4
		startedAt, finishedAt       pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &status, &inputJSON, &resultJSON, &job.Progress, &step, &eta,
		&errMsg, &errCode, &userID, &sessionID, &tenantID, &job.CancelRequested,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", mapPostgresError(err))
	}

	job.Status = models.Status(status)
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		job.Result = json.RawMessage(resultJSON)
	}
	job.CurrentStep = textPtr(step)
	job.Error = textPtr(errMsg)
	job.ErrorCode = textPtr(errCode)
	job.Owner = models.Owner{UserID: userID.String, SessionID: sessionID.String, TenantID: tenantID.String}
	if eta.Valid {
		v := int(eta.Int32)
		job.EstimatedSecondsRemaining = &v
	}
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}

// UpdateProgress merges progress fields into a running job.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, u ProgressUpdate) error {
	var progress *int
	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		progress = &p
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, COALESCE($2::int, progress)),
		    current_step = COALESCE($3::text, current_step),
		    eta_seconds = COALESCE($4::int, eta_seconds),
		    updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, progress, u.CurrentStep, u.EstimatedSecondsRemaining, models.StatusRunning)
	return mapPostgresError(err)
}

// MarkRunning claims a queued job.
func (s *PostgresStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusRunning, startedAt.UTC(), models.StatusQueued)
	if err != nil {
		return false, mapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSucceeded records the result of a running job.
func (s *PostgresStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, progress = 100, eta_seconds = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusSucceeded, []byte(result), models.StatusRunning)
	if err != nil {
		return false, mapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records a failure.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, p FailParams) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, error_code = $4, eta_seconds = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, p.Error, emptyToNil(p.Code), p.from())
	if err != nil {
		return false, mapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestCancel sets the cooperative cancellation flag.
func (s *PostgresStore) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
	`, id, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapPostgresError(err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrJobTerminal
}

// IsCancelled reads the cancellation flag.
func (s *PostgresStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, mapPostgresError(err)
	}
	return cancelled, nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
