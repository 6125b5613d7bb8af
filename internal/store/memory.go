package store

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobrelay/internal/models"
)

// MemoryStore implements JobStore in process memory. It is used by tests and
// single-process development setups.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
}

var _ JobStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.Job)}
}

func (s *MemoryStore) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	if p.Input == nil {
		p.Input = map[string]any{}
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:        uuid.New().String(),
		Type:      p.Type,
		Status:    models.StatusQueued,
		Input:     maps.Clone(p.Input),
		Owner:     p.Owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	job.Input = maps.Clone(job.Input)
	job.Result = slices.Clone(job.Result)
	return job, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, u ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return nil
	}
	if u.Progress != nil {
		if p := clampProgress(*u.Progress); p > job.Progress {
			job.Progress = p
		}
	}
	if u.CurrentStep != nil {
		step := *u.CurrentStep
		job.CurrentStep = &step
	}
	if u.EstimatedSecondsRemaining != nil {
		eta := *u.EstimatedSecondsRemaining
		job.EstimatedSecondsRemaining = &eta
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	return s.transition(id, models.StatusQueued, func(job *models.Job) {
		job.Status = models.StatusRunning
		ts := startedAt.UTC()
		job.StartedAt = &ts
	})
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, id string, result json.RawMessage) (bool, error) {
	return s.transition(id, models.StatusRunning, func(job *models.Job) {
		now := time.Now().UTC()
		job.Status = models.StatusSucceeded
		job.Result = append(json.RawMessage(nil), result...)
		job.Progress = 100
		job.EstimatedSecondsRemaining = nil
		job.FinishedAt = &now
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, p FailParams) (bool, error) {
	return s.transition(id, p.from(), func(job *models.Job) {
		now := time.Now().UTC()
		job.Status = models.StatusFailed
		msg := p.Error
		job.Error = &msg
		job.ErrorCode = emptyToNil(p.Code)
		job.EstimatedSecondsRemaining = nil
		job.FinishedAt = &now
	})
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	return job.CancelRequested, nil
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) transition(id string, from models.Status, apply func(*models.Job)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}
	apply(&job)
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return true, nil
}
