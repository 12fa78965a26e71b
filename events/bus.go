// Package events fans out state-change notifications to connected observers.
//
// Publishing never blocks: each subscriber owns a bounded queue and an event
// that does not fit is dropped for that subscriber only.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/tts-bridge/telemetry"
)

// Event names.
const (
	Connected      = "connected"
	RefreshStarted = "refresh-started"
	RefreshEnded   = "refresh-ended"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Event is one notification.
type Event struct {
	Name string    `json:"event"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

// Publisher is anything events can be published to.
type Publisher interface {
	Publish(name string, data any)
}

type discard struct{}

func (discard) Publish(string, any) {}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

// Bus is a non-blocking publish/subscribe hub.
type Bus struct {
	buffer int
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithNow sets the clock used to stamp events.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		buffer: DefaultBuffer,
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "events")
	return b
}

// Subscription is one observer's view of the bus.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// C delivers events in publish order. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

// Subscribe registers a new observer. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{bus: b, ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	telemetry.AddEventSubscribers(context.Background(), 1)
	b.logger.Debug("subscriber added", "subscribers", len(b.subs))
	return s
}

// Unsubscribe removes s and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.once.Do(func() { close(s.ch) })
	telemetry.AddEventSubscribers(context.Background(), -1)
	b.logger.Debug("subscriber removed", "subscribers", len(b.subs), "dropped", s.dropped.Load())
}

// Publish delivers an event to every current subscriber without waiting.
func (b *Bus) Publish(name string, data any) {
	ev := Event{Name: name, Data: data, Time: b.now()}

	b.mu.RLock()
	delivered, dropped := 0, 0
	for s := range b.subs {
		select {
		case s.ch <- ev:
			delivered++
		default:
			s.dropped.Add(1)
			dropped++
		}
	}
	b.mu.RUnlock()

	telemetry.RecordEventPublish(context.Background(), name, delivered, dropped)
	if dropped > 0 {
		b.logger.Warn("dropped event for slow subscribers", "event", name, "dropped", dropped)
	}
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later Subscribe calls get closed channels and
// Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
		telemetry.AddEventSubscribers(context.Background(), -1)
	}
}
