package jobs

import (
	"context"
	"encoding/json"

	"jobrelay/internal/events"
	"jobrelay/internal/models"
)

// CompleteEvent carries the handler's result object verbatim.
func CompleteEvent(jobID string, result json.RawMessage) events.Event {
	var decoded any
	if len(result) > 0 {
		_ = json.Unmarshal(result, &decoded)
	}
	return events.New(events.TypeComplete, jobID, map[string]any{"result": decoded})
}

func FailedEvent(jobID, message, code string) events.Event {
	data := map[string]any{"error": message}
	if code != "" {
		data["errorCode"] = code
	}
	return events.New(events.TypeFailed, jobID, data)
}

// TerminalEvent synthesizes the terminal event for a job row that already
// finished. ok is false while the job is still queued or running.
func TerminalEvent(job models.Job) (events.Event, bool) {
	switch job.Status {
	case models.StatusSucceeded:
		return CompleteEvent(job.ID, job.Result), true
	case models.StatusFailed:
		var msg, code string
		if job.Error != nil {
			msg = *job.Error
		}
		if job.ErrorCode != nil {
			code = *job.ErrorCode
		}
		return FailedEvent(job.ID, msg, code), true
	}
	return events.Event{}, false
}

// SnapshotEvent describes the current row as a progress-update, used for
// catch-up right after a stream attaches.
func SnapshotEvent(job models.Job) events.Event {
	data := map[string]any{
		"progress": job.Progress,
		"status":   string(job.Status),
	}
	if job.CurrentStep != nil {
		data["currentStep"] = *job.CurrentStep
	}
	if job.EstimatedSecondsRemaining != nil {
		data["estimatedTimeRemaining"] = *job.EstimatedSecondsRemaining
	}
	return events.New(events.TypeProgress, job.ID, data)
}

// PublishTerminal emits evt on the job channel and, for narrative types, on
// the narrative channel as well.
func PublishTerminal(ctx context.Context, bus events.Bus, narrative bool, evt events.Event) error {
	if err := bus.Publish(ctx, events.JobChannel(evt.JobID), evt); err != nil {
		return err
	}
	if narrative {
		return bus.Publish(ctx, events.NarrativeChannel(evt.JobID), evt)
	}
	return nil
}
