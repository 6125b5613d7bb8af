// Package handlers holds the built-in job types.
package handlers

import (
	"context"
	"errors"
	"time"

	"jobrelay/internal/config"
	"jobrelay/internal/jobs"
)

// Job types registered by Register.
const (
	TypeDemo      = "demo"
	TypeStory     = "story"
	TypeThumbnail = "thumbnail"
)

// Register adds every built-in job type to reg.
func Register(ctx context.Context, reg *jobs.Registry, cfg config.Config) error {
	thumb, err := NewThumbnail(ctx, cfg)
	if err != nil {
		return err
	}
	for _, def := range []jobs.Definition{
		{Type: TypeDemo, Steps: DemoSteps, Handler: Demo},
		{Type: TypeStory, Narrative: true, Handler: Story},
		{Type: TypeThumbnail, Steps: ThumbnailSteps, Handler: thumb.Handle},
	} {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctxErr(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-t.C:
		return nil
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), jobs.ErrCancelled) {
		return jobs.ErrCancelled
	}
	return ctx.Err()
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
