package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metrics receives bus counters. *metrics.Collector implements it.
type Metrics interface {
	RecordEventPublished(topic string)
	RecordEventDelivered(topic string)
	RecordEventDropped(topic string)
	SetSubscribers(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordEventPublished(string) {}
func (nopMetrics) RecordEventDelivered(string) {}
func (nopMetrics) RecordEventDropped(string)   {}
func (nopMetrics) SetSubscribers(int)          {}

// Forwarder receives every locally published event after local delivery.
type Forwarder func(ctx context.Context, ev Event)

// Bus is an in-process topic bus.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[string]*Subscription
	forwarders []Forwarder
	origin     string
	buffer     int
	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscription queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// New creates a Bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:    make(map[string]map[string]*Subscription),
		origin:  uuid.NewString(),
		buffer:  64,
		metrics: nopMetrics{},
		logger:  logger.With(zap.String("component", "eventbus")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Origin returns the id stamped on events first published by this bus.
func (b *Bus) Origin() string { return b.origin }

// AddForwarder registers f for every event published through Publish.
func (b *Bus) AddForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarders = append(b.forwarders, f)
	b.mu.Unlock()
}

// Publish creates an event, delivers it to local subscribers and hands it to
// the forwarders.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: b.now().UTC(),
		Origin:    b.origin,
	}
	b.metrics.RecordEventPublished(topic)
	b.Deliver(ev)

	b.mu.RLock()
	forwarders := b.forwarders
	b.mu.RUnlock()
	for _, f := range forwarders {
		f(ctx, ev)
	}
	return ev
}

// Deliver hands ev to local subscriptions only.
func (b *Bus) Deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[ev.Topic] {
		if s.filter != nil && !s.filter(s.subscriber, ev) {
			continue
		}
		select {
		case s.ch <- ev:
			b.metrics.RecordEventDelivered(ev.Topic)
		default:
			s.dropped.Add(1)
			b.metrics.RecordEventDropped(ev.Topic)
			b.logger.Warn("subscriber queue full, event dropped",
				zap.String("topic", ev.Topic),
				zap.String("event_id", ev.ID),
				zap.String("user_id", s.subscriber.UserID),
			)
		}
	}
}

// Subscribe registers a subscription. A nil filter delivers everything.
func (b *Bus) Subscribe(topic string, sub Subscriber, filter Filter) *Subscription {
	s := &Subscription{
		id:         uuid.NewString(),
		topic:      topic,
		subscriber: sub,
		filter:     filter,
		ch:         make(chan Event, b.buffer),
		bus:        b,
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][s.id] = s
	n := b.countLocked()
	b.mu.Unlock()

	b.metrics.SetSubscribers(n)
	return s
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.countLocked()
}

func (b *Bus) countLocked() int {
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	if m, ok := b.subs[s.topic]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.topic)
		}
	}
	close(s.ch)
	n := b.countLocked()
	b.mu.Unlock()

	b.metrics.SetSubscribers(n)
}

// Subscription is one filtered, bounded queue of events.
type Subscription struct {
	id         string
	topic      string
	subscriber Subscriber
	filter     Filter
	ch         chan Event
	dropped    atomic.Uint64
	once       sync.Once
	bus        *Bus
}

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Dropped returns how many events were dropped for a full queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}
