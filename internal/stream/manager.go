// Package stream bridges event bus traffic to locally held live connections.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jobrelay/internal/events"
	"jobrelay/internal/jobs"
	"jobrelay/internal/models"
	"jobrelay/internal/narrative"
	"jobrelay/internal/telemetry"
)

// ErrPatternNotReady is returned when a pattern subscription was not confirmed in time.
var ErrPatternNotReady = errors.New("stream: pattern subscription not ready")

// ErrStopped is returned for connections requested after Stop.
var ErrStopped = errors.New("stream: manager stopped")

// JobReader is the slice of the job store the manager needs for catch-up.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Options configure connection lifetimes and catch-up.
type Options struct {
	Keepalive           time.Duration
	MaxAge              time.Duration
	TimeoutWarning      time.Duration
	StatusPoll          time.Duration
	PatternReadyTimeout time.Duration
	// BufferSize bounds queued events per connection.
	BufferSize int
}

func (o Options) withDefaults() Options {
	if o.Keepalive <= 0 {
		o.Keepalive = 15 * time.Second
	}
	if o.MaxAge < 0 {
		o.MaxAge = 0
	}
	if o.TimeoutWarning <= 0 {
		o.TimeoutWarning = 10 * time.Second
	}
	if o.StatusPoll <= 0 {
		o.StatusPoll = 2 * time.Second
	}
	if o.PatternReadyTimeout <= 0 {
		o.PatternReadyTimeout = 5 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	return o
}

type busMessage struct {
	channel string
	evt     events.Event
}

// Manager owns every live connection of this process. One shared pattern
// subscription per channel family feeds a single dispatcher.
type Manager struct {
	bus       events.Bus
	jobs      JobReader
	narrative narrative.Log
	opts      Options
	logger    zerolog.Logger

	inbox chan busMessage

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	conns    map[string]*Connection
	interest map[string]map[string]*Connection
	jobSub   events.Subscription
	narrSub  events.Subscription
	connSub  events.Subscription

	wg sync.WaitGroup
}

func NewManager(bus events.Bus, jobReader JobReader, nlog narrative.Log, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:       bus,
		jobs:      jobReader,
		narrative: nlog,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "stream_manager").Logger(),
		inbox:     make(chan busMessage, 1024),
		conns:     make(map[string]*Connection),
		interest:  make(map[string]map[string]*Connection),
	}
}

// Start launches the dispatcher, the status poll and the connection-addressed subscription.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.stopped {
		return ErrStopped
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.connSub = m.bus.PSubscribe(m.ctx, events.ConnectionPattern, m.onBusMessage)

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.statusPollLoop()
	m.logger.Info().Dur("max_age", m.opts.MaxAge).Dur("keepalive", m.opts.Keepalive).Msg("stream manager started")
	return nil
}

// Stop closes every connection and subscription and waits for background work.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	subs := []events.Subscription{m.jobSub, m.narrSub, m.connSub}
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
		<-c.done
	}
	for _, s := range subs {
		if s != nil {
			_ = s.Close()
		}
	}
	m.wg.Wait()
	m.logger.Info().Int("closed_connections", len(conns)).Msg("stream manager stopped")
}

// ConnectionCount reports open connections in this process.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CreateConnection registers sink and starts its writer. The connection is
// paused until Resume. It is deregistered automatically when the writer stops.
func (m *Manager) CreateConnection(sink Sink, owner models.Owner, jobID string, opts ConnOptions) (*Connection, error) {
	if opts.Keepalive <= 0 {
		opts.Keepalive = m.opts.Keepalive
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = m.opts.MaxAge
	}
	c := &Connection{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
		sink:      sink,
		opts:      opts,
		warning:   m.opts.TimeoutWarning,
		out:       make(chan events.Event, m.opts.BufferSize),
		maxQueued: m.opts.BufferSize,
		paused:    true,
		channels:  make(map[string]struct{}),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.conns[c.ID] = c
	m.mu.Unlock()
	telemetry.StreamConnections.Inc()

	go func() {
		defer close(c.done)
		defer m.remove(c)
		c.writeLoop()
	}()
	m.logger.Debug().Str("connection_id", c.ID).Str("job_id", jobID).Msg("connection opened")
	return c, nil
}

// Close ends a connection. It is a no-op for unknown ids.
func (m *Manager) Close(connID string) {
	m.mu.Lock()
	c := m.conns[connID]
	m.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func (m *Manager) remove(c *Connection) {
	c.close()
	m.mu.Lock()
	if _, ok := m.conns[c.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.ID)
	for _, ch := range c.subscribedChannels() {
		m.dropInterest(ch, c.ID)
	}
	m.mu.Unlock()
	telemetry.StreamConnections.Dec()
	m.logger.Debug().Str("connection_id", c.ID).Dur("age", time.Since(c.CreatedAt)).Msg("connection closed")
}

// dropInterest removes connID from channel. Callers hold m.mu.
func (m *Manager) dropInterest(channel, connID string) {
	set := m.interest[channel]
	delete(set, connID)
	if len(set) == 0 {
		delete(m.interest, channel)
	}
}

// SubscribeToJob routes the job's general events to the connection.
func (m *Manager) SubscribeToJob(jobID, connID string) error {
	m.ensurePattern(events.KindJob)
	return m.subscribe(events.JobChannel(jobID), connID)
}

func (m *Manager) UnsubscribeFromJob(jobID, connID string) {
	m.unsubscribe(events.JobChannel(jobID), connID)
}

// SubscribeToNarrative routes the job's narrative events to the connection.
func (m *Manager) SubscribeToNarrative(jobID, connID string) error {
	m.ensurePattern(events.KindNarrative)
	return m.subscribe(events.NarrativeChannel(jobID), connID)
}

func (m *Manager) UnsubscribeFromNarrative(jobID, connID string) {
	m.unsubscribe(events.NarrativeChannel(jobID), connID)
}

func (m *Manager) subscribe(channel, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return fmt.Errorf("subscribe %s: unknown connection %s", channel, connID)
	}
	set, ok := m.interest[channel]
	if !ok {
		set = make(map[string]*Connection)
		m.interest[channel] = set
	}
	set[connID] = c
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (m *Manager) unsubscribe(channel, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connID]; ok {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()
	}
	m.dropInterest(channel, connID)
}

// ensurePattern opens the shared subscription for kind on first use.
func (m *Manager) ensurePattern(kind string) events.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return nil
	}
	switch kind {
	case events.KindJob:
		if m.jobSub == nil {
			m.jobSub = m.bus.PSubscribe(m.ctx, events.JobPattern, m.onBusMessage)
		}
		return m.jobSub
	case events.KindNarrative:
		if m.narrSub == nil {
			m.narrSub = m.bus.PSubscribe(m.ctx, events.NarrativePattern, m.onBusMessage)
		}
		return m.narrSub
	}
	return nil
}

// WhenJobPatternReady waits, bounded by PatternReadyTimeout, until the shared
// job-events subscription is confirmed.
func (m *Manager) WhenJobPatternReady(ctx context.Context) error {
	return m.whenReady(ctx, m.ensurePattern(events.KindJob))
}

func (m *Manager) WhenNarrativePatternReady(ctx context.Context) error {
	return m.whenReady(ctx, m.ensurePattern(events.KindNarrative))
}

func (m *Manager) whenReady(ctx context.Context, sub events.Subscription) error {
	if sub == nil {
		return ErrStopped
	}
	timer := time.NewTimer(m.opts.PatternReadyTimeout)
	defer timer.Stop()
	select {
	case <-sub.Ready():
		return nil
	case <-timer.C:
		return ErrPatternNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendToConnection publishes evt to whichever process holds connID.
func (m *Manager) SendToConnection(ctx context.Context, connID string, evt events.Event) error {
	return m.bus.Publish(ctx, events.ConnectionChannel(connID), evt)
}

func (m *Manager) onBusMessage(channel string, evt events.Event) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	select {
	case m.inbox <- busMessage{channel: channel, evt: evt}:
	case <-ctx.Done():
	}
}

// dispatchLoop fans out one bus message per iteration and yields between
// messages so a burst on one job does not starve other work.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.inbox:
			m.dispatch(msg)
			runtime.Gosched()
		}
	}
}

func (m *Manager) dispatch(msg busMessage) {
	kind, id, ok := events.ParseChannel(msg.channel)
	if !ok {
		return
	}
	m.mu.Lock()
	var targets []*Connection
	if kind == events.KindConnection {
		if c, ok := m.conns[id]; ok {
			targets = append(targets, c)
		}
	} else {
		for _, c := range m.interest[msg.channel] {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.deliver(msg.evt)
	}
}

// statusPollLoop synthesizes the terminal event for connections whose job
// already finished, in case the live message was missed.
func (m *Manager) statusPollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.StatusPoll)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pollStatuses()
		}
	}
}

func (m *Manager) pollStatuses() {
	byJob := make(map[string][]*Connection)
	m.mu.Lock()
	for _, c := range m.conns {
		if c.JobID != "" {
			byJob[c.JobID] = append(byJob[c.JobID], c)
		}
	}
	m.mu.Unlock()

	for jobID, conns := range byJob {
		live := conns[:0]
		for _, c := range conns {
			if c.isLive() {
				live = append(live, c)
			}
		}
		if len(live) == 0 {
			continue
		}
		job, err := m.jobs.GetJob(m.ctx, jobID)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("status poll")
			continue
		}
		evt, terminal := jobs.TerminalEvent(job)
		if !terminal {
			continue
		}
		for _, c := range live {
			c.deliver(evt)
		}
	}
}

// OpenJobStream opens a live stream for jobID: connected, a catch-up
// snapshot (plus the terminal event if the job already finished), then live events.
func (m *Manager) OpenJobStream(ctx context.Context, sink Sink, owner models.Owner, jobID string) (*Connection, error) {
	if err := m.WhenJobPatternReady(ctx); err != nil {
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return nil, err
		}
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("opening stream before job pattern confirmed")
	}

	c, err := m.CreateConnection(sink, owner, jobID, ConnOptions{})
	if err != nil {
		return nil, err
	}
	if err := m.SubscribeToJob(jobID, c.ID); err != nil {
		c.close()
		return nil, err
	}

	initial := []events.Event{m.connectedEvent(c)}
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("catch-up snapshot")
	} else {
		initial = append(initial, jobs.SnapshotEvent(job))
		if evt, ok := jobs.TerminalEvent(job); ok {
			initial = append(initial, evt)
		}
	}
	c.Resume(initial...)
	return c, nil
}

// OpenNarrativeStream replays the persisted narrative log, then attaches to
// live narrative events. Live events that arrive during replay are buffered
// and dropped when their sequence number was already replayed.
func (m *Manager) OpenNarrativeStream(ctx context.Context, sink Sink, owner models.Owner, jobID string) (*Connection, error) {
	if err := m.WhenNarrativePatternReady(ctx); err != nil {
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return nil, err
		}
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("opening narrative stream before pattern confirmed")
	}

	c, err := m.CreateConnection(sink, owner, jobID, ConnOptions{})
	if err != nil {
		return nil, err
	}
	c.narrative = true
	if err := m.SubscribeToNarrative(jobID, c.ID); err != nil {
		c.close()
		return nil, err
	}

	initial := []events.Event{m.connectedEvent(c)}
	if m.narrative != nil {
		entries, err := m.narrative.List(ctx, jobID)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("narrative replay")
		}
		for _, e := range entries {
			initial = append(initial, NarrativeToEvent(jobID, e))
		}
	}
	if job, err := m.jobs.GetJob(ctx, jobID); err == nil {
		if evt, ok := jobs.TerminalEvent(job); ok {
			initial = append(initial, evt)
		}
	}
	c.Resume(initial...)
	return c, nil
}

func (m *Manager) connectedEvent(c *Connection) events.Event {
	return events.New(events.TypeConnected, c.JobID, map[string]any{
		"connectionId":  c.ID,
		"jobId":         c.JobID,
		"maxAgeSeconds": int(c.MaxAge().Seconds()),
	})
}

// NarrativeToEvent converts a persisted entry to the event shape used live.
func NarrativeToEvent(jobID string, e models.NarrativeEvent) events.Event {
	data := map[string]any{"content": e.Content}
	if e.Progress != nil {
		data["progress"] = *e.Progress
	}
	return events.Event{Type: e.Type, JobID: jobID, Data: data, Timestamp: e.Timestamp.UTC(), Seq: e.Seq}
}
