package events

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handler receives events from a pattern subscription.
type Handler func(channel string, evt Event)

// Subscription is a live pattern subscription.
type Subscription interface {
	// Ready is closed once the transport confirmed the subscription.
	Ready() <-chan struct{}
	Close() error
}

// Bus publishes events to channels and fans pattern matches into handlers.
// Publish is fire-and-forget: it never waits for subscribers.
type Bus interface {
	Publish(ctx context.Context, channel string, evt Event) error
	PSubscribe(ctx context.Context, pattern string, h Handler) Subscription
}

// RedisBus implements Bus on Redis PUBLISH/PSUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus wraps a Redis client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With().Str("component", "event_bus").Logger()}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// PSubscribe opens the pattern subscription in the background, retrying with
// exponential backoff while Redis is unreachable.
func (b *RedisBus) PSubscribe(ctx context.Context, pattern string, h Handler) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &redisSubscription{
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx, b, pattern, h)
	return s
}

type redisSubscription struct {
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func (s *redisSubscription) Ready() <-chan struct{} { return s.ready }

func (s *redisSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *redisSubscription) run(ctx context.Context, b *RedisBus, pattern string, h Handler) {
	defer close(s.done)
	log := b.logger.With().Str("pattern", pattern).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var ps *redis.PubSub
	for {
		ps = b.client.PSubscribe(ctx, pattern)
		_, err := ps.Receive(ctx)
		if err == nil {
			break
		}
		_ = ps.Close()
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("pattern subscribe failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	defer ps.Close()

	close(s.ready)
	log.Debug().Msg("pattern subscription active")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop undecodable event")
				continue
			}
			h(msg.Channel, evt)
		}
	}
}

// MemoryBus is an in-process Bus. Events are JSON round-tripped so subscribers
// observe the same payload types as with Redis.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySubscription
	nextID int
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySubscription)}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.RLock()
	targets := make([]*memorySubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		var decoded Event
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		select {
		case s.queue <- memoryMessage{channel: channel, evt: decoded}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) PSubscribe(_ context.Context, pattern string, h Handler) Subscription {
	s := &memorySubscription{
		pattern: pattern,
		queue:   make(chan memoryMessage, 1024),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	close(s.ready)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	s.remove = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	go s.run(h)
	return s
}

type memoryMessage struct {
	channel string
	evt     Event
}

type memorySubscription struct {
	pattern string
	queue   chan memoryMessage
	ready   chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	remove  func()
}

func (s *memorySubscription) Ready() <-chan struct{} { return s.ready }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.remove()
		close(s.done)
	})
	<-s.stopped
	return nil
}

func (s *memorySubscription) run(h Handler) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			h(m.channel, m.evt)
		}
	}
}
