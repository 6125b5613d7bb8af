package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jobrelay/internal/events"
	"jobrelay/internal/jobs"
	"jobrelay/internal/models"
	"jobrelay/internal/store"
)

// TypePartialResult is published for staged results of a running job.
const TypePartialResult = "partial-result"

var (
	errNotNarrative         = errors.New("job type does not produce narrative")
	errInvalidNarrativeType = errors.New("narrative type must be non-empty and single-line")
)

// reporter implements jobs.Callbacks for one running job. Store and bus
// failures are logged and swallowed; only cancellation surfaces as an error.
type reporter struct {
	p      *Processor
	def    jobs.Definition
	jobID  string
	runCtx context.Context
	log    zerolog.Logger

	// mu serializes callbacks so events leave in call order.
	mu       sync.Mutex
	progress int
	step     string
	reported bool
}

var _ jobs.Callbacks = (*reporter)(nil)

func newReporter(p *Processor, def jobs.Definition, jobID string, runCtx context.Context, log zerolog.Logger) *reporter {
	return &reporter{p: p, def: def, jobID: jobID, runCtx: runCtx, log: log}
}

func (r *reporter) Cancelled(ctx context.Context) bool {
	if errors.Is(context.Cause(r.runCtx), jobs.ErrCancelled) {
		return true
	}
	cancelled, err := r.p.store.IsCancelled(ctx, r.jobID)
	if err != nil {
		r.log.Warn().Err(err).Msg("read cancellation flag")
		return false
	}
	return cancelled
}

func (r *reporter) Progress(ctx context.Context, rep jobs.ProgressReport) error {
	if r.Cancelled(ctx) {
		return jobs.ErrCancelled
	}

	overall := rep.Percent
	if len(r.def.Steps) > 0 && rep.Step != "" {
		if v, ok := jobs.StepProgress(r.def.Steps, rep.Step, rep.Percent); ok {
			overall = v
		}
	}
	overall = max(0, min(overall, 100))

	r.mu.Lock()
	defer r.mu.Unlock()

	stepChanged := rep.Step != "" && rep.Step != r.step
	if stepChanged {
		r.step = rep.Step
	}
	advanced := !r.reported || overall > r.progress
	if advanced {
		r.progress = overall
		r.reported = true
	}

	current, step := r.progress, r.step
	update := store.ProgressUpdate{Progress: &current, EstimatedSecondsRemaining: rep.ETASeconds}
	if step != "" {
		update.CurrentStep = &step
	}
	if err := r.p.store.UpdateProgress(ctx, r.jobID, update); err != nil {
		r.log.Warn().Err(err).Msg("persist progress")
	}

	if stepChanged {
		r.publish(ctx, events.JobChannel(r.jobID), events.New(events.TypeStepChange, r.jobID, map[string]any{
			"step":     step,
			"progress": current,
		}))
	}
	if advanced {
		data := make(map[string]any, len(rep.Extra)+3)
		for k, v := range rep.Extra {
			data[k] = v
		}
		data["progress"] = current
		if step != "" {
			data["currentStep"] = step
		}
		if rep.ETASeconds != nil {
			data["estimatedTimeRemaining"] = *rep.ETASeconds
		}
		r.publish(ctx, events.JobChannel(r.jobID), events.New(events.TypeProgress, r.jobID, data))
	}
	return nil
}

func (r *reporter) PartialResult(ctx context.Context, segment string, data any) error {
	if r.Cancelled(ctx) {
		return jobs.ErrCancelled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(ctx, events.JobChannel(r.jobID), events.New(TypePartialResult, r.jobID, map[string]any{
		"segment": segment,
		"data":    data,
	}))
	return nil
}

func (r *reporter) Narrate(ctx context.Context, evt models.NarrativeEvent) error {
	if r.Cancelled(ctx) {
		return jobs.ErrCancelled
	}
	if !r.def.Narrative || r.p.narrative == nil {
		r.log.Warn().Err(errNotNarrative).Str("type", r.def.Type).Msg("drop narrative event")
		return nil
	}
	if evt.Type == "" || strings.ContainsAny(evt.Type, "\r\n") {
		return fmt.Errorf("%w: %q", errInvalidNarrativeType, evt.Type)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seq, err := r.p.narrative.Append(ctx, r.jobID, evt)
	if err != nil {
		r.log.Warn().Err(err).Msg("append narrative")
	}
	data := map[string]any{"content": evt.Content}
	if evt.Progress != nil {
		data["progress"] = *evt.Progress
	}
	r.publish(ctx, events.NarrativeChannel(r.jobID), events.Event{
		Type:      evt.Type,
		JobID:     r.jobID,
		Data:      data,
		Timestamp: evt.Timestamp.UTC(),
		Seq:       seq,
	})
	return nil
}

func (r *reporter) publish(ctx context.Context, channel string, evt events.Event) {
	if err := r.p.bus.Publish(ctx, channel, evt); err != nil {
		r.log.Warn().Err(err).Str("event", evt.Type).Msg("publish event")
	}
}
