package pubsub

import (
	"context"
	"sync"

	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
)

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 64

// Memory is an in-process fan-out bus. Publish never blocks: if a
// subscriber's buffer is full the message is dropped for that subscriber.
type Memory struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an empty bus.
func NewMemory(m *metrics.Metrics) *Memory {
	return &Memory{
		metrics: m,
		topics:  make(map[string]map[*memorySub]struct{}),
	}
}

type memorySub struct {
	bus   *Memory
	topic string
	ch    chan []byte
	once  sync.Once
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() { s.bus.remove(s) })
	return nil
}

// Publish delivers payload to every current subscriber of topic.
func (b *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	msg := append([]byte(nil), payload...)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.metrics.Incr(metrics.PubSubPublished, 1)
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.metrics.Incr(metrics.PubSubDropped, 1)
		}
	}
	return nil
}

// Subscribe registers a new subscription on topic.
func (b *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, topic: topic, ch: make(chan []byte, subscriberBuffer)}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*memorySub]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.metrics.Incr(metrics.PubSubSubscriptions, 1)
	return sub, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Memory) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// remove unregisters sub and closes its channel. It reports whether the topic
// has no subscribers left.
func (b *Memory) remove(sub *memorySub) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		return true
	}
	if _, ok := subs[sub]; !ok {
		return len(subs) == 0
	}
	delete(subs, sub)
	close(sub.ch)
	b.metrics.Decr(metrics.PubSubSubscriptions, 1)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
		return true
	}
	return false
}

// Close unregisters every subscription and closes their channels.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
			b.metrics.Decr(metrics.PubSubSubscriptions, 1)
		}
		delete(b.topics, topic)
	}
	return nil
}
