package topic

import (
	"context"
	"sync"

	"github.com/apptrail-sh/rollout-watcher/internal/metrics"
)

const defaultBufferSize = 100

// Message is what subscribers receive: the key it was published on and the payload
type Message struct {
	Key     Key
	Payload any
}

// Broker is an in-process publish/subscribe fan-out keyed by topic Key.
// It performs no deduplication and gives no ordering guarantee across publishers.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Key]map[int]*Subscription
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[Key]map[int]*Subscription),
	}
}

// Subscription is one subscriber's inbox for a set of keys
type Subscription struct {
	id     int
	keys   []Key
	broker *Broker
	ch     chan Message
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a new inbox receiving every message published on any of keys
func (b *Broker) Subscribe(keys ...Key) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &Subscription{
		id:     id,
		keys:   keys,
		broker: b,
		ch:     make(chan Message, defaultBufferSize),
		done:   make(chan struct{}),
	}

	for _, key := range keys {
		byID, ok := b.subs[key]
		if !ok {
			byID = make(map[int]*Subscription)
			b.subs[key] = byID
		}
		byID[id] = sub
	}

	return sub
}

// Publish delivers payload to every current subscriber of key. It blocks on a
// full inbox until the message is taken, the subscription closes or ctx ends.
// It returns the number of subscribers that received the message.
func (b *Broker) Publish(ctx context.Context, key Key, payload any) int {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[key]))
	for _, sub := range b.subs[key] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	metrics.TopicPublishes.WithLabelValues(string(key.Kind)).Inc()

	msg := Message{Key: key, Payload: payload}
	delivered := 0
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
			delivered++
		case <-sub.done:
		case <-ctx.Done():
			return delivered
		}
	}
	return delivered
}

// Subscribers returns how many inboxes are subscribed to key
func (b *Broker) Subscribers(key Key) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range sub.keys {
		byID := b.subs[key]
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(b.subs, key)
		}
	}
}

// C returns the inbox channel. It is never closed; select on Done as well.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Done is closed once the subscription is closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Keys returns the keys this subscription listens on
func (s *Subscription) Keys() []Key {
	return s.keys
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
}
