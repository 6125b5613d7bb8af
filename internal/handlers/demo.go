package handlers

import (
	"context"
	"errors"
	"time"

	"jobrelay/internal/jobs"
)

// DemoSteps are the named steps the demo job reports through.
var DemoSteps = []string{"prepare", "process", "finalize"}

// Demo simulates work. Input keys:
//
//	n            items to "process" (default 1)
//	duration_ms  total simulated runtime
//	should_fail  fail during the process step
//	fail_code    errorCode recorded when should_fail is set
func Demo(ctx context.Context, inv jobs.Invocation, cb jobs.Callbacks) (any, error) {
	n, ok := asInt(inv.Input["n"])
	if !ok || n <= 0 {
		n = 1
	}
	total := time.Duration(0)
	if ms, ok := asInt(inv.Input["duration_ms"]); ok && ms > 0 {
		total = time.Duration(ms) * time.Millisecond
	}
	perStep := total / time.Duration(len(DemoSteps))

	for _, step := range DemoSteps {
		if err := cb.Progress(ctx, jobs.ProgressReport{Step: step, Percent: 0, ETASeconds: eta(total, step)}); err != nil {
			return nil, err
		}
		if step == "process" {
			if fail, _ := inv.Input["should_fail"].(bool); fail {
				code, _ := inv.Input["fail_code"].(string)
				if code == "" {
					code = "SIMULATED_FAILURE"
				}
				return nil, jobs.Fail(code, errors.New("simulated failure requested by input.should_fail"))
			}
			for i := 1; i <= n; i++ {
				if err := pause(ctx, perStep/time.Duration(n)); err != nil {
					return nil, err
				}
				if err := cb.Progress(ctx, jobs.ProgressReport{
					Step:    step,
					Percent: i * 100 / n,
					Extra:   map[string]any{"processed": i},
				}); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := pause(ctx, perStep); err != nil {
			return nil, err
		}
		if err := cb.Progress(ctx, jobs.ProgressReport{Step: step, Percent: 100}); err != nil {
			return nil, err
		}
	}

	return map[string]any{"processed": n, "steps": DemoSteps}, nil
}

func eta(total time.Duration, step string) *int {
	if total <= 0 {
		return nil
	}
	for i, s := range DemoSteps {
		if s == step {
			remaining := int((total * time.Duration(len(DemoSteps)-i) / time.Duration(len(DemoSteps))).Seconds())
			return &remaining
		}
	}
	return nil
}
