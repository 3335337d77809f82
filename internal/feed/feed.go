// Package feed is an in-process change feed: ordered, per-topic event
// delivery to cancelable subscriptions.
package feed

import (
	"errors"
	"sync"
)

// ErrSubscriptionDropped is reported by Err when the broker gave up on a
// subscriber, either because it fell behind or because the broker closed.
// Subscribers are expected to resubscribe and catch up from their cursor.
var ErrSubscriptionDropped = errors.New("subscription dropped")

const DefaultBuffer = 256

// Event is one change delivered on a topic. Seq increases by one for every
// event published while the topic has subscribers.
type Event struct {
	Topic   string
	Seq     uint64
	Payload any
}

// Subscription is a cancelable handle delivering ordered events.
type Subscription interface {
	Events() <-chan Event
	// Err returns nil while the subscription is live or after Cancel, and
	// ErrSubscriptionDropped once the broker closed it.
	Err() error
	Cancel()
}

type Publisher interface {
	Publish(topic string, payload any)
}

type Subscriber interface {
	Subscribe(topic string) Subscription
}

type Broker struct {
	buffer int
	topics map[string]*topic
	closed bool

	mu sync.Mutex
}

type topic struct {
	seq  uint64
	subs map[*subscription]struct{}
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		buffer: buffer,
		topics: make(map[string]*topic),
	}
}

// Publish delivers payload to every current subscriber of name without
// blocking. A subscriber whose buffer is full is dropped.
func (b *Broker) Publish(name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	// Topics exist only while subscribed.
	t, ok := b.topics[name]
	if !ok {
		return
	}
	t.seq++

	ev := Event{Topic: name, Seq: t.seq, Payload: payload}
	for s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			delete(t.subs, s)
			s.close(ErrSubscriptionDropped)
		}
	}
	if len(t.subs) == 0 {
		delete(b.topics, name)
	}
}

func (b *Broker) Subscribe(name string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscription{
		broker: b,
		topic:  name,
		ch:     make(chan Event, b.buffer),
	}
	if b.closed {
		s.close(ErrSubscriptionDropped)
		return s
	}

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	t.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of live subscriptions on a topic.
func (b *Broker) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

// Close drops every subscription. Publishing after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.topics {
		for s := range t.subs {
			s.close(ErrSubscriptionDropped)
		}
	}
	b.topics = make(map[string]*topic)
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[s.topic]; ok {
		if _, ok := t.subs[s]; ok {
			delete(t.subs, s)
			s.close(nil)
		}
		if len(t.subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
}

type subscription struct {
	broker *Broker
	topic  string
	ch     chan Event

	// guarded by broker.mu
	done bool
	err  error

	errMu sync.Mutex
}

func (s *subscription) Events() <-chan Event {
	return s.ch
}

func (s *subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *subscription) Cancel() {
	s.broker.remove(s)
}

// close must be called with broker.mu held.
func (s *subscription) close(err error) {
	if s.done {
		return
	}
	s.done = true
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.ch)
}

func ConversationTopic(tenantID, conversationID string) string {
	return "conv/" + tenantID + "/" + conversationID
}

func UserTopic(tenantID, userID string) string {
	return "user/" + tenantID + "/" + userID
}

func PresenceTopic(tenantID string) string {
	return "presence/" + tenantID
}

func TypingTopic(tenantID, conversationID string) string {
	return "typing/" + tenantID + "/" + conversationID
}
