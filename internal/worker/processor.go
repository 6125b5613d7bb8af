package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobrelay/internal/config"
	"jobrelay/internal/events"
	"jobrelay/internal/jobs"
	"jobrelay/internal/models"
	"jobrelay/internal/narrative"
	"jobrelay/internal/queue"
	"jobrelay/internal/store"
	"jobrelay/internal/telemetry"
)

// Deps are the collaborators a Processor drives.
type Deps struct {
	Queue     *queue.RedisQueue
	Store     store.JobStore
	Bus       events.Bus
	Narrative narrative.Log
	Registry  *jobs.Registry
	Logger    zerolog.Logger
}

// Processor pulls job ids from the broker with bounded concurrency and runs
// them through the registered handlers.
type Processor struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	store     store.JobStore
	bus       events.Bus
	narrative narrative.Log
	registry  *jobs.Registry
	logger    zerolog.Logger
	workerID  string
}

func NewProcessor(cfg config.Config, deps Deps) *Processor {
	return NewProcessorWithID(cfg, deps, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, deps Deps, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = time.Second
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = 500 * time.Millisecond
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	logger := deps.Logger.With().Str("component", "worker").Logger()
	if workerID != "" {
		logger = logger.With().Str("worker_id", workerID).Logger()
	}
	return &Processor{
		cfg:       cfg,
		queue:     deps.Queue,
		store:     deps.Store,
		bus:       deps.Bus,
		narrative: deps.Narrative,
		registry:  deps.Registry,
		logger:    logger,
		workerID:  workerID,
	}
}

// Run starts WorkerConcurrency dequeue loops plus lease maintenance and blocks
// until ctx is cancelled and every in-flight job has finalized.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().
		Int("concurrency", p.cfg.WorkerConcurrency).
		Int("max_deliveries", p.cfg.MaxDeliveries).
		Dur("visibility", p.queue.VisibilityTimeout()).
		Msg("worker started")

	var wg sync.WaitGroup
	for range p.cfg.WorkerConcurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dequeueLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	wg.Wait()
	p.logger.Info().Msg("worker stopped")
	return ctx.Err()
}

func (p *Processor) dequeueLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.queue.Dequeue(ctx, 4*p.cfg.WorkerPollInterval)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			p.logger.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		// In-flight jobs finish even when shutdown starts.
		p.process(context.WithoutCancel(ctx), d)
	}
}

// maintenanceLoop promotes due redeliveries and reclaims expired leases.
func (p *Processor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.logger.Warn().Err(err).Msg("promote scheduled")
		} else if n > 0 {
			p.logger.Debug().Int("count", n).Msg("promoted scheduled deliveries")
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			p.logger.Warn().Err(err).Msg("requeue expired leases")
		} else if len(reclaimed) > 0 {
			p.logger.Info().Strs("job_ids", reclaimed).Msg("requeued expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// process runs one delivery through claim, guard, dispatch and finalize.
func (p *Processor) process(ctx context.Context, d queue.Delivery) {
	log := p.logger.With().Str("job_id", d.JobID).Int("attempt", d.Attempt).Logger()

	job, err := p.store.GetJob(ctx, d.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		log.Warn().Msg("skip delivery: job row missing")
		p.ack(ctx, log, d.JobID)
		return
	}
	if err != nil {
		// Lease expiry brings the message back.
		log.Error().Err(err).Msg("load job")
		return
	}
	if job.Status != models.StatusQueued {
		log.Debug().Str("status", string(job.Status)).Msg("skip delivery: job not queued")
		p.ack(ctx, log, d.JobID)
		return
	}

	def, ok := p.registry.Lookup(job.Type)
	if !ok {
		p.failQueued(ctx, log, job, jobs.Definition{}, fmt.Sprintf("no handler registered for type %q", job.Type), "UNKNOWN_TYPE")
		p.ack(ctx, log, d.JobID)
		return
	}
	if job.CancelRequested {
		if p.failQueued(ctx, log, job, def, models.ErrorCancelled, models.ErrorCodeCancelled) {
			telemetry.JobsCancelled.Inc()
		}
		p.ack(ctx, log, d.JobID)
		return
	}

	won, err := p.store.MarkRunning(ctx, job.ID, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("mark running")
		return
	}
	if !won {
		log.Debug().Msg("skip delivery: lost claim")
		p.ack(ctx, log, d.JobID)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	ctx, span := telemetry.Tracer().Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.Int("job.attempt", d.Attempt),
	))
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := p.watch(runCtx, cancel, job.ID, log)

	rep := newReporter(p, def, job.ID, runCtx, log)
	inv := jobs.Invocation{JobID: job.ID, Type: job.Type, Input: job.Input, Owner: job.Owner}

	log.Info().Str("type", job.Type).Msg("job started")
	started := time.Now()
	result, herr := p.invoke(runCtx, def, inv, rep)
	stopWatch()

	status := p.finalize(ctx, log, d, def, job.ID, result, herr, context.Cause(runCtx))
	telemetry.JobDuration.WithLabelValues(job.Type, string(status)).Observe(time.Since(started).Seconds())
	if status == models.StatusFailed {
		span.SetStatus(codes.Error, "job failed")
	}
}

func (p *Processor) invoke(ctx context.Context, def jobs.Definition, inv jobs.Invocation, cb jobs.Callbacks) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return def.Handler(ctx, inv, cb)
}

// watch polls the cancellation flag and keeps the broker lease alive while the
// handler runs. The returned func stops it.
func (p *Processor) watch(ctx context.Context, cancel context.CancelCauseFunc, jobID string, log zerolog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		visibility := p.queue.VisibilityTimeout()
		cancelTick := time.NewTicker(p.cfg.CancelPollInterval)
		defer cancelTick.Stop()
		leaseTick := time.NewTicker(max(visibility/2, 10*time.Millisecond))
		defer leaseTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-cancelTick.C:
				cancelled, err := p.store.IsCancelled(ctx, jobID)
				if err != nil {
					log.Warn().Err(err).Msg("poll cancellation flag")
					continue
				}
				if cancelled {
					log.Info().Msg("cancellation observed")
					cancel(jobs.ErrCancelled)
					return
				}
			case <-leaseTick.C:
				if err := p.queue.ExtendLease(ctx, jobID, visibility); err != nil {
					log.Warn().Err(err).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// finalize materializes the terminal status and emits exactly one terminal
// event from whichever path wins the conditional transition.
func (p *Processor) finalize(ctx context.Context, log zerolog.Logger, d queue.Delivery, def jobs.Definition, jobID string, result any, herr, cause error) models.Status {
	if p.cancelRequested(ctx, log, jobID, herr, cause) {
		won, err := p.store.MarkFailed(ctx, jobID, store.FailParams{Error: models.ErrorCancelled, Code: models.ErrorCodeCancelled})
		if err != nil {
			log.Error().Err(err).Msg("mark cancelled")
		}
		if won {
			p.publishTerminal(ctx, log, def, jobs.FailedEvent(jobID, models.ErrorCancelled, models.ErrorCodeCancelled))
			telemetry.JobsCancelled.Inc()
			log.Info().Msg("job cancelled")
		}
		p.ack(ctx, log, jobID)
		return models.StatusFailed
	}

	var raw json.RawMessage
	if herr == nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			herr = jobs.Fail("INVALID_RESULT", fmt.Errorf("encode result: %w", err))
		}
	}

	if herr == nil {
		won, err := p.store.MarkSucceeded(ctx, jobID, raw)
		if err != nil {
			log.Error().Err(err).Msg("mark succeeded")
			return models.StatusRunning
		}
		if won {
			p.publishTerminal(ctx, log, def, jobs.CompleteEvent(jobID, raw))
			telemetry.JobsSucceeded.WithLabelValues(def.Type).Inc()
			log.Info().Msg("job succeeded")
		}
		p.ack(ctx, log, jobID)
		return models.StatusSucceeded
	}

	var code string
	var failure *jobs.Failure
	if errors.As(herr, &failure) {
		code = failure.Code
	}
	won, err := p.store.MarkFailed(ctx, jobID, store.FailParams{Error: herr.Error(), Code: code})
	if err != nil {
		log.Error().Err(err).Msg("mark failed")
	}
	if won {
		p.publishTerminal(ctx, log, def, jobs.FailedEvent(jobID, herr.Error(), code))
		telemetry.JobsFailed.WithLabelValues(def.Type).Inc()
		log.Warn().Err(herr).Str("error_code", code).Msg("job failed")
	}
	p.redeliverOrDeadLetter(ctx, log, d)
	return models.StatusFailed
}

func (p *Processor) cancelRequested(ctx context.Context, log zerolog.Logger, jobID string, herr, cause error) bool {
	if errors.Is(herr, jobs.ErrCancelled) || errors.Is(cause, jobs.ErrCancelled) {
		return true
	}
	cancelled, err := p.store.IsCancelled(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Msg("read cancellation flag")
		return false
	}
	return cancelled
}

// redeliverOrDeadLetter hands a genuine failure back to the broker's retry
// schedule until MaxDeliveries is exhausted.
func (p *Processor) redeliverOrDeadLetter(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	if d.Attempt >= p.cfg.MaxDeliveries {
		if err := p.queue.DeadLetter(ctx, d.JobID); err != nil {
			log.Error().Err(err).Msg("dead-letter delivery")
			return
		}
		telemetry.JobsDeadLettered.Inc()
		return
	}
	wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, d.Attempt)
	if err := p.queue.Schedule(ctx, d.JobID, time.Now().Add(wait)); err != nil {
		log.Error().Err(err).Msg("schedule redelivery")
		return
	}
	telemetry.JobsRedelivered.Inc()
	log.Info().Dur("backoff", wait).Msg("redelivery scheduled")
}

func (p *Processor) failQueued(ctx context.Context, log zerolog.Logger, job models.Job, def jobs.Definition, msg, code string) bool {
	won, err := p.store.MarkFailed(ctx, job.ID, store.FailParams{Error: msg, Code: code, From: models.StatusQueued})
	if err != nil {
		log.Error().Err(err).Msg("fail queued job")
		return false
	}
	if won {
		p.publishTerminal(ctx, log, def, jobs.FailedEvent(job.ID, msg, code))
		log.Info().Str("error", msg).Msg("queued job failed before dispatch")
	}
	return won
}

func (p *Processor) publishTerminal(ctx context.Context, log zerolog.Logger, def jobs.Definition, evt events.Event) {
	if err := jobs.PublishTerminal(ctx, p.bus, def.Narrative, evt); err != nil {
		log.Warn().Err(err).Str("event", evt.Type).Msg("publish terminal event")
	}
}

func (p *Processor) ack(ctx context.Context, log zerolog.Logger, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		log.Warn().Err(err).Msg("ack delivery")
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
