// Package events carries per-job lifecycle and narrative events between worker
// and API processes over a publish/subscribe transport.
package events

import (
	"strings"
	"time"
)

// Event types delivered to live streams.
const (
	TypeConnected     = "connected"
	TypeProgress      = "progress-update"
	TypeStepChange    = "step-change"
	TypeComplete      = "complete"
	TypeFailed        = "failed"
	TypeStreamTimeout = "stream-timeout"
)

// Event is the unit published on the bus and written to stream sinks.
type Event struct {
	Type      string         `json:"type"`
	JobID     string         `json:"jobId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// Seq orders narrative entries; zero for everything else.
	Seq int64 `json:"seq,omitempty"`
}

// New builds an event stamped with the current time.
func New(typ, jobID string, data map[string]any) Event {
	return Event{Type: typ, JobID: jobID, Data: data, Timestamp: time.Now().UTC()}
}

// Terminal reports whether the event ends a job stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeFailed
}

// Progress extracts data.progress, tolerating the float64 produced by JSON decoding.
func (e Event) Progress() (int, bool) {
	switch v := e.Data["progress"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Channel kinds.
const (
	KindJob        = "job"
	KindNarrative  = "narrative"
	KindConnection = "connection"
)

// Subscription patterns, one shared subscription per process each.
const (
	JobPattern        = "jobs:*:events"
	NarrativePattern  = "jobs:*:narrative"
	ConnectionPattern = "connections:*"
)

func JobChannel(jobID string) string { return "jobs:" + jobID + ":events" }

func NarrativeChannel(jobID string) string { return "jobs:" + jobID + ":narrative" }

func ConnectionChannel(connID string) string { return "connections:" + connID }

// ParseChannel returns the channel kind and the job or connection id it addresses.
func ParseChannel(channel string) (kind, id string, ok bool) {
	if rest, found := strings.CutPrefix(channel, "connections:"); found && rest != "" {
		return KindConnection, rest, true
	}
	rest, found := strings.CutPrefix(channel, "jobs:")
	if !found {
		return "", "", false
	}
	if id, found := strings.CutSuffix(rest, ":events"); found && id != "" {
		return KindJob, id, true
	}
	if id, found := strings.CutSuffix(rest, ":narrative"); found && id != "" {
		return KindNarrative, id, true
	}
	return "", "", false
}
