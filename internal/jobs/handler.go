// Package jobs defines the job-type registry, the contract between the worker
// and pluggable handlers, and the API-side job operations.
package jobs

import (
	"context"
	"errors"

	"jobrelay/internal/models"
)

// ErrCancelled is returned by callbacks, and should be returned by handlers,
// once cancellation was requested for the running job.
var ErrCancelled = errors.New("job cancelled")

// Failure is a handler error carrying a client-visible code.
type Failure struct {
	Code string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Code
	}
	return f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail wraps err with a code recorded as the job's errorCode.
func Fail(code string, err error) error {
	return &Failure{Code: code, Err: err}
}

// Invocation is what a handler gets to see of the claimed job.
type Invocation struct {
	JobID string
	Type  string
	Input map[string]any
	Owner models.Owner
}

// ProgressReport is one onProgress call. When the job type declares steps and
// Step names one of them, Percent is relative to that step.
type ProgressReport struct {
	Percent    int
	Step       string
	ETASeconds *int
	Extra      map[string]any
}

// Callbacks are handed to a running handler. Every method returns ErrCancelled
// once cancellation is observed so the handler can unwind.
type Callbacks interface {
	Progress(ctx context.Context, r ProgressReport) error
	PartialResult(ctx context.Context, segment string, data any) error
	Narrate(ctx context.Context, evt models.NarrativeEvent) error
	Cancelled(ctx context.Context) bool
}

// Handler executes one job. The returned value is stored as the job result.
// ctx is cancelled with cause ErrCancelled when cancellation is requested.
type Handler func(ctx context.Context, inv Invocation, cb Callbacks) (any, error)

// StepProgress maps a step-relative percentage onto the overall 0..100 scale,
// rounding down.
// It returns false when step is not part of steps.
func StepProgress(steps []string, step string, stepPercent int) (int, bool) {
	idx := -1
	for i, s := range steps {
		if s == step {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	stepPercent = max(0, min(stepPercent, 100))
	// idx*(100/n) + pct/100*(100/n), rounded down.
	overall := (idx*100 + stepPercent) / len(steps)
	return min(overall, 100), true
}
