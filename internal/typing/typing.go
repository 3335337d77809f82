// Package typing keeps ephemeral "is typing" flags. A flag clears itself
// when no refresh arrives within the TTL; nothing is persisted.
package typing

import (
	"slices"
	"sync"
	"time"

	"ptchat/internal/feed"
	"ptchat/internal/models"
)

const DefaultTTL = 3 * time.Second

const (
	observerBuffer     = 32
	resubscribeBackoff = 100 * time.Millisecond
)

// Bus is the change feed typing events travel on.
type Bus interface {
	feed.Publisher
	feed.Subscriber
}

type key struct {
	tenantID       string
	conversationID string
	userID         string
}

type state struct {
	timer *time.Timer
	gen   uint64
}

type Coordinator struct {
	bus Bus
	ttl time.Duration

	mu     sync.Mutex
	states map[key]*state
	gen    uint64
}

func New(bus Bus, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		bus:    bus,
		ttl:    ttl,
		states: make(map[key]*state),
	}
}

// SetTyping marks the user as typing and restarts the expiry timer. Only
// the first call of a burst publishes an event.
func (c *Coordinator) SetTyping(id models.Identity, conversationID string) {
	k := key{tenantID: id.TenantID, conversationID: conversationID, userID: id.UserID}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen
	if s, ok := c.states[k]; ok {
		s.timer.Stop()
		s.gen = gen
		s.timer = time.AfterFunc(c.ttl, func() { c.expire(k, gen) })
		return
	}

	c.states[k] = &state{
		gen:   gen,
		timer: time.AfterFunc(c.ttl, func() { c.expire(k, gen) }),
	}
	c.publish(k, true)
}

// StopTyping clears the flag immediately, e.g. once the message was sent.
func (c *Coordinator) StopTyping(id models.Identity, conversationID string) {
	k := key{tenantID: id.TenantID, conversationID: conversationID, userID: id.UserID}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.states[k]
	if !ok {
		return
	}
	s.timer.Stop()
	delete(c.states, k)
	c.publish(k, false)
}

// expire runs on the timer goroutine. A refresh after the timer fired but
// before expire took the lock bumps the generation and wins.
func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.states[k]
	if !ok || s.gen != gen {
		return
	}
	delete(c.states, k)
	c.publish(k, false)
}

// Typing returns the users currently typing in the conversation.
func (c *Coordinator) Typing(tenantID, conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var users []string
	for k := range c.states {
		if k.tenantID == tenantID && k.conversationID == conversationID {
			users = append(users, k.userID)
		}
	}
	slices.Sort(users)
	return users
}

// Close stops all timers without publishing.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, s := range c.states {
		s.timer.Stop()
		delete(c.states, k)
	}
}

func (c *Coordinator) publish(k key, typing bool) {
	c.bus.Publish(feed.TypingTopic(k.tenantID, k.conversationID), models.TypingEvent{
		ConversationID: k.conversationID,
		UserID:         k.userID,
		IsTyping:       typing,
	})
}

// Observer streams typing changes of one conversation until cancelled. It
// never ends on its own: a dropped feed subscription is re-established and
// the current typing state is replayed, including a false event for every
// user whose flag expired while the feed was down.
type Observer struct {
	events chan models.TypingEvent
	done   chan struct{}
	once   sync.Once

	// reported holds the users last sent as typing. Owned by run.
	reported map[string]bool
}

func (c *Coordinator) Observe(tenantID, conversationID string) *Observer {
	o := &Observer{
		events:   make(chan models.TypingEvent, observerBuffer),
		done:     make(chan struct{}),
		reported: make(map[string]bool),
	}
	go o.run(c, tenantID, conversationID)
	return o
}

func (o *Observer) Events() <-chan models.TypingEvent {
	return o.events
}

// Cancel stops the stream and closes Events.
func (o *Observer) Cancel() {
	o.once.Do(func() { close(o.done) })
}

func (o *Observer) run(c *Coordinator, tenantID, conversationID string) {
	defer close(o.events)

	topic := feed.TypingTopic(tenantID, conversationID)
	for {
		sub := c.bus.Subscribe(topic)
		if !o.replay(conversationID, c.Typing(tenantID, conversationID)) {
			sub.Cancel()
			return
		}

		if !o.forward(sub) {
			return
		}

		select {
		case <-o.done:
			return
		case <-time.After(resubscribeBackoff):
		}
	}
}

// forward relays sub until it ends. It returns false once the observer is
// cancelled.
func (o *Observer) forward(sub feed.Subscription) bool {
	defer sub.Cancel()
	for {
		select {
		case <-o.done:
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return true
			}
			te, isTyping := ev.Payload.(models.TypingEvent)
			if !isTyping {
				continue
			}
			if !o.send(te) {
				return false
			}
		}
	}
}

// replay brings the consumer in line with the users typing now.
func (o *Observer) replay(conversationID string, typingNow []string) bool {
	now := make(map[string]bool, len(typingNow))
	for _, userID := range typingNow {
		now[userID] = true
	}
	var stopped []string
	for userID := range o.reported {
		if !now[userID] {
			stopped = append(stopped, userID)
		}
	}
	slices.Sort(stopped)
	for _, userID := range stopped {
		if !o.send(models.TypingEvent{ConversationID: conversationID, UserID: userID, IsTyping: false}) {
			return false
		}
	}
	for _, userID := range typingNow {
		if !o.send(models.TypingEvent{ConversationID: conversationID, UserID: userID, IsTyping: true}) {
			return false
		}
	}
	return true
}

func (o *Observer) send(ev models.TypingEvent) bool {
	select {
	case o.events <- ev:
		if ev.IsTyping {
			o.reported[ev.UserID] = true
		} else {
			delete(o.reported, ev.UserID)
		}
		return true
	case <-o.done:
		return false
	}
}
