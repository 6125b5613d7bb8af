package stream

import (
	"sync"
	"time"

	"jobrelay/internal/events"
	"jobrelay/internal/models"
	"jobrelay/internal/telemetry"
)

// Sink is the client-facing side of a live connection.
type Sink interface {
	WriteEvent(evt events.Event) error
	WriteComment(text string) error
}

// ConnOptions override the manager defaults for one connection.
type ConnOptions struct {
	Keepalive time.Duration
	MaxAge    time.Duration
}

// Connection is one open live stream. It starts paused: live events are
// buffered until Resume so that replay and catch-up go out first.
type Connection struct {
	ID        string
	JobID     string
	Owner     models.Owner
	CreatedAt time.Time

	sink      Sink
	opts      ConnOptions
	warning   time.Duration
	narrative bool
	out       chan events.Event
	maxQueued int

	mu          sync.Mutex
	paused      bool
	pending     []events.Event
	channels    map[string]struct{}
	terminal    bool
	hasProgress bool
	progress    int
	lastSeq     int64

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed once the connection stopped writing to its sink.
func (c *Connection) Done() <-chan struct{} { return c.done }

// MaxAge is the hard lifetime of the connection.
func (c *Connection) MaxAge() time.Duration { return c.opts.MaxAge }

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// admit applies per-connection ordering rules. Callers hold c.mu.
func (c *Connection) admit(evt events.Event) bool {
	if c.terminal {
		return false
	}
	if evt.Type == events.TypeProgress {
		if p, ok := evt.Progress(); ok {
			if c.hasProgress && p < c.progress {
				return false
			}
			c.progress, c.hasProgress = p, true
		}
	}
	if c.narrative && evt.Seq > 0 {
		if evt.Seq <= c.lastSeq {
			return false
		}
		c.lastSeq = evt.Seq
	}
	if evt.Terminal() {
		c.terminal = true
	}
	return true
}

// deliver queues a live event without blocking. A connection whose buffer
// overflows is closed; the client falls back to polling or reconnects.
func (c *Connection) deliver(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return
	}
	if c.paused {
		if len(c.pending) >= c.maxQueued {
			telemetry.EventsDropped.WithLabelValues("overflow").Inc()
			c.close()
			return
		}
		c.pending = append(c.pending, evt)
		return
	}
	if !c.admit(evt) {
		telemetry.EventsDropped.WithLabelValues("filtered").Inc()
		return
	}
	select {
	case c.out <- evt:
		telemetry.EventsDelivered.Inc()
	default:
		telemetry.EventsDropped.WithLabelValues("overflow").Inc()
		c.close()
	}
}

// push queues evt, waiting for room. Only used while paused, when no other
// goroutine writes to out.
func (c *Connection) push(evt events.Event) bool {
	c.mu.Lock()
	ok := c.admit(evt)
	c.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case c.out <- evt:
		telemetry.EventsDelivered.Inc()
		return true
	case <-c.closed:
		return false
	}
}

// Resume sends initial in order, then everything buffered while paused, and
// finally switches the connection to live delivery.
func (c *Connection) Resume(initial ...events.Event) {
	for _, evt := range initial {
		if !c.push(evt) {
			return
		}
	}
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.paused = false
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, evt := range batch {
			if !c.push(evt) {
				return
			}
		}
	}
}

func (c *Connection) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.paused && !c.terminal
}

func (c *Connection) subscribedChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// writeLoop is the only goroutine touching the sink.
func (c *Connection) writeLoop() {
	keepalive := time.NewTicker(c.opts.Keepalive)
	defer keepalive.Stop()

	var warnC, expireC <-chan time.Time
	if c.opts.MaxAge > 0 {
		expire := time.NewTimer(c.opts.MaxAge)
		defer expire.Stop()
		expireC = expire.C
		if c.opts.MaxAge > c.warning {
			warn := time.NewTimer(c.opts.MaxAge - c.warning)
			defer warn.Stop()
			warnC = warn.C
		}
	}

	for {
		select {
		case <-c.closed:
			return
		case evt := <-c.out:
			if err := c.sink.WriteEvent(evt); err != nil {
				return
			}
			if evt.Terminal() {
				return
			}
		case <-keepalive.C:
			if err := c.sink.WriteComment("keepalive"); err != nil {
				return
			}
		case <-warnC:
			warning := events.New(events.TypeStreamTimeout, c.JobID, map[string]any{
				"message": "stream closing soon; poll /jobs/" + c.JobID + "/status or reconnect",
			})
			if err := c.sink.WriteEvent(warning); err != nil {
				return
			}
		case <-expireC:
			return
		}
	}
}
