package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"jobrelay/internal/apperr"
	"jobrelay/internal/events"
	"jobrelay/internal/models"
	"jobrelay/internal/store"
	"jobrelay/internal/telemetry"
)

// Broker is the producer side of the job queue.
type Broker interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// Service implements create, status, retry and cancel on top of the job store
// and broker. Errors are classified with apperr.
type Service struct {
	store    store.JobStore
	broker   Broker
	bus      events.Bus
	registry *Registry
	logger   zerolog.Logger
}

func NewService(st store.JobStore, broker Broker, bus events.Bus, registry *Registry, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		broker:   broker,
		bus:      bus,
		registry: registry,
		logger:   logger.With().Str("component", "jobs").Logger(),
	}
}

// Registry exposes the job-type registry used for validation.
func (s *Service) Registry() *Registry { return s.registry }

// Create inserts a queued job and enqueues its id.
func (s *Service) Create(ctx context.Context, jobType string, input map[string]any, owner models.Owner) (models.Job, error) {
	if _, ok := s.registry.Lookup(jobType); !ok {
		return models.Job{}, apperr.Validation(fmt.Sprintf("unknown job type %q", jobType))
	}
	if owner.IsZero() {
		return models.Job{}, apperr.Validation("job owner could not be determined")
	}
	if s.broker == nil {
		return models.Job{}, apperr.Unavailable("job queue is not configured", nil)
	}
	if err := s.broker.Ping(ctx); err != nil {
		return models.Job{}, apperr.Unavailable("job queue unavailable", err)
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{Type: jobType, Input: input, Owner: owner})
	if err != nil {
		return models.Job{}, storeError(err)
	}

	if err := s.broker.Enqueue(ctx, job.ID); err != nil {
		if _, markErr := s.store.MarkFailed(ctx, job.ID, store.FailParams{
			Error: "enqueue failed",
			Code:  "BROKER_UNAVAILABLE",
			From:  models.StatusQueued,
		}); markErr != nil {
			s.logger.Warn().Err(markErr).Str("job_id", job.ID).Msg("mark unenqueued job failed")
		}
		return models.Job{}, apperr.Unavailable("job queue unavailable", err)
	}

	telemetry.JobsCreated.WithLabelValues(jobType).Inc()
	s.logger.Info().Str("job_id", job.ID).Str("type", jobType).Str("owner", owner.Key()).Msg("job created")
	return job, nil
}

// Get returns the job when owner may access it. Missing and foreign jobs are
// indistinguishable to the caller.
func (s *Service) Get(ctx context.Context, id string, owner models.Owner) (models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrJobNotFound) {
		return models.Job{}, apperr.NotFound()
	}
	if err != nil {
		return models.Job{}, storeError(err)
	}
	if !owner.CanAccess(job.Owner) {
		return models.Job{}, apperr.NotFound()
	}
	return job, nil
}

// Retry creates a fresh job with the same type and input as a failed one.
func (s *Service) Retry(ctx context.Context, id string, owner models.Owner) (models.Job, error) {
	job, err := s.Get(ctx, id, owner)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusFailed {
		return models.Job{}, apperr.Precondition(fmt.Sprintf("only failed jobs can be retried (status is %s)", job.Status))
	}
	retried, err := s.Create(ctx, job.Type, job.Input, job.Owner)
	if err != nil {
		return models.Job{}, err
	}
	s.logger.Info().Str("job_id", retried.ID).Str("retry_of", job.ID).Msg("job retried")
	return retried, nil
}

// Cancel sets the cancellation flag. A job that is still queued is failed
// immediately; a running job stops at its handler's next check.
func (s *Service) Cancel(ctx context.Context, id string, owner models.Owner) error {
	job, err := s.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return apperr.Precondition(fmt.Sprintf("job already %s", job.Status))
	}
	if err := s.store.RequestCancel(ctx, id); err != nil {
		if errors.Is(err, store.ErrJobTerminal) {
			return apperr.Precondition("job already finished")
		}
		return storeError(err)
	}
	if job.Status != models.StatusQueued {
		s.logger.Info().Str("job_id", id).Msg("cancel requested for running job")
		return nil
	}

	won, err := s.store.MarkFailed(ctx, id, store.FailParams{
		Error: models.ErrorCancelled,
		Code:  models.ErrorCodeCancelled,
		From:  models.StatusQueued,
	})
	if err != nil {
		return storeError(err)
	}
	if !won {
		// A worker claimed it in between; it will observe the flag.
		return nil
	}

	if s.broker != nil {
		if err := s.broker.Cancel(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("remove cancelled job from queue")
		}
	}
	def, _ := s.registry.Lookup(job.Type)
	if err := PublishTerminal(ctx, s.bus, def.Narrative, FailedEvent(id, models.ErrorCancelled, models.ErrorCodeCancelled)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("publish cancel event")
	}
	telemetry.JobsCancelled.Inc()
	s.logger.Info().Str("job_id", id).Msg("queued job cancelled")
	return nil
}

func storeError(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return apperr.Unavailable("job store unavailable", err)
	}
	return apperr.Internal(err)
}
