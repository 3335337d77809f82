package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ptchat/internal/chat"
	"ptchat/internal/feed"
	"ptchat/internal/identity"
	"ptchat/internal/models"
	"ptchat/internal/syncer"

	"github.com/google/uuid"
)

const (
	clientBuffer       = 256
	resubscribeBackoff = 200 * time.Millisecond
)

// Hub bridges websocket clients and the change feed. Each client gets the
// summary events of its own user topic and the tenant presence topic, plus
// one follower per subscribed conversation.
type Hub struct {
	chat       *chat.Service
	subscriber feed.Subscriber

	ctx    context.Context
	cancel context.CancelFunc

	clients map[string]*client
	mu      sync.Mutex

	outboxStore OutboxStore
	outboxes    map[string]*syncer.Outbox
}

// OutboxStore returns the persistent queue of one user's pending sends.
type OutboxStore func(tenantID, userID string) syncer.KeyValueStore

type client struct {
	id     models.Identity
	out    chan models.ServerFrame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func NewHub(chat *chat.Service, subscriber feed.Subscriber) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		chat:       chat,
		subscriber: subscriber,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*client),
		outboxes:   make(map[string]*syncer.Outbox),
	}
}

// UseOutbox makes websocket sends that fail transiently wait in a durable
// queue instead of being reported as errors. The queue is flushed when the
// user joins and on every heartbeat.
func (h *Hub) UseOutbox(store OutboxStore) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outboxStore = store
}

func (h *Hub) outbox(id models.Identity) *syncer.Outbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outboxStore == nil {
		return nil
	}
	key := id.TenantID + "/" + id.UserID
	o, ok := h.outboxes[key]
	if !ok {
		o = syncer.NewOutbox(h.outboxStore(id.TenantID, id.UserID))
		h.outboxes[key] = o
	}
	return o
}

// Join registers a connection for id and starts its user and presence
// streams. Frames for the connection arrive on the returned channel, which
// is closed by Leave.
func (h *Hub) Join(id models.Identity) (string, chan models.ServerFrame) {
	ctx, cancel := context.WithCancel(h.ctx)
	c := &client{
		id:     id,
		out:    make(chan models.ServerFrame, clientBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
	connID := uuid.NewString()

	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()

	if err := h.chat.Presence().Heartbeat(ctx, id); err != nil {
		slog.Warn("presence heartbeat failed", "tenant", id.TenantID, "user_id", id.UserID, "error", err)
	}

	// Subscribed before returning so no event after Join is missed.
	userTopic := feed.UserTopic(id.TenantID, id.UserID)
	presenceTopic := feed.PresenceTopic(id.TenantID)
	userSub := h.subscriber.Subscribe(userTopic)
	presenceSub := h.subscriber.Subscribe(presenceTopic)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		h.streamTopic(c, userTopic, userSub, h.resyncConversations)
	}()
	go func() {
		defer c.wg.Done()
		h.streamTopic(c, presenceTopic, presenceSub, nil)
	}()
	if o := h.outbox(id); o != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = h.flush(ctx, c, o)
		}()
	}

	slog.Info("client joined", "tenant", id.TenantID, "user_id", id.UserID, "conn_id", connID)
	return connID, c.out
}

// Leave stops every stream of the connection and closes its channel. The
// user goes offline once their last connection leaves.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	delete(h.clients, connID)
	lastOne := ok && !h.connectedLocked(c.id)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	c.wg.Wait()
	close(c.out)

	if lastOne {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.chat.Presence().GoOffline(ctx, c.id); err != nil {
			slog.Warn("presence offline failed", "tenant", c.id.TenantID, "user_id", c.id.UserID, "error", err)
		}
	}
	slog.Info("client left", "tenant", c.id.TenantID, "user_id", c.id.UserID, "conn_id", connID)
}

func (h *Hub) connectedLocked(id models.Identity) bool {
	for _, c := range h.clients {
		if c.id.TenantID == id.TenantID && c.id.UserID == id.UserID {
			return true
		}
	}
	return false
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops every client stream. Connections notice their channel closing
// through Leave.
func (h *Hub) Close() {
	h.cancel()
}

// Dispatch executes one client frame and returns the reply for it.
func (h *Hub) Dispatch(ctx context.Context, connID string, frame models.ClientFrame) models.ServerFrame {
	h.mu.Lock()
	c, ok := h.clients[connID]
	h.mu.Unlock()
	if !ok {
		return errorFrame(frame, errors.New("connection is not registered"))
	}

	reply := models.ServerFrame{
		Type:           models.ServerFrameAck,
		RequestID:      frame.RequestID,
		ConversationID: frame.ConversationID,
	}

	var err error
	switch frame.Type {
	case models.ClientFrameSubscribe:
		err = h.subscribe(ctx, c, frame)
	case models.ClientFrameUnsubscribe:
		c.unsubscribe(frame.ConversationID)
	case models.ClientFrameSend:
		if frame.Content == nil {
			err = &models.ValidationError{Field: "content", Reason: "message is empty"}
			break
		}
		// Earlier sends still queued go first.
		if !h.drained(ctx, c) {
			if _, err = h.chat.Conversation(ctx, c.id, frame.ConversationID); err != nil && syncer.Permanent(err) {
				break
			}
			if err = h.enqueue(c, frame); err == nil {
				reply.Queued = true
			}
			break
		}
		var msg models.Message
		msg, err = h.chat.Send(ctx, c.id, frame.ConversationID, *frame.Content)
		if err != nil && h.queue(c, frame, err) {
			reply.Queued = true
			err = nil
			break
		}
		reply.Message = &msg
	case models.ClientFrameTyping:
		err = h.chat.SetTyping(ctx, c.id, frame.ConversationID, frame.IsTyping)
	case models.ClientFrameHeartbeat:
		err = h.chat.Presence().Heartbeat(ctx, c.id)
		if o := h.outbox(c.id); o != nil {
			_ = h.flush(ctx, c, o)
		}
	case models.ClientFrameOffline:
		err = h.chat.Presence().GoOffline(ctx, c.id)
	case models.ClientFrameRead:
		reply.Count, err = h.chat.Read(ctx, c.id, frame.ConversationID)
	case models.ClientFrameDelivered:
		var msg models.Message
		msg, err = h.chat.Log().MarkDelivered(ctx, c.id, frame.ConversationID, frame.MessageID)
		reply.Message = &msg
	default:
		err = &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown frame type %q", frame.Type)}
	}
	if err != nil {
		return errorFrame(frame, err)
	}
	return reply
}

// queue keeps a send that failed for a reason other than its content or the
// sender's access. It reports whether the send was queued.
func (h *Hub) queue(c *client, frame models.ClientFrame, sendErr error) bool {
	if syncer.Permanent(sendErr) {
		return false
	}
	if h.outbox(c.id) == nil {
		return false
	}
	if err := h.enqueue(c, frame); err != nil {
		return false
	}
	slog.Warn("send queued", "tenant", c.id.TenantID, "user_id", c.id.UserID, "conversation_id", frame.ConversationID, "error", sendErr)
	return true
}

func (h *Hub) enqueue(c *client, frame models.ClientFrame) error {
	o := h.outbox(c.id)
	if o == nil {
		return errors.New("no outbox configured")
	}
	if _, err := o.Enqueue(frame.ConversationID, *frame.Content); err != nil {
		slog.Error("failed to queue send", "tenant", c.id.TenantID, "user_id", c.id.UserID, "error", err)
		return err
	}
	return nil
}

// drained flushes the user's outbox and reports whether nothing is left in
// it. Without an outbox there is nothing to wait for.
func (h *Hub) drained(ctx context.Context, c *client) bool {
	o := h.outbox(c.id)
	if o == nil {
		return true
	}
	return h.flush(ctx, c, o) == nil
}

func (h *Hub) flush(ctx context.Context, c *client, o *syncer.Outbox) error {
	n, err := o.Flush(ctx, func(ctx context.Context, p syncer.Pending) error {
		_, err := h.chat.Send(ctx, c.id, p.ConversationID, p.Content)
		return err
	})
	if n > 0 {
		slog.Info("queued sends delivered", "tenant", c.id.TenantID, "user_id", c.id.UserID, "count", n)
	}
	if err != nil && ctx.Err() == nil {
		slog.Warn("queued sends still pending", "tenant", c.id.TenantID, "user_id", c.id.UserID, "error", err)
	}
	return err
}

func (h *Hub) subscribe(ctx context.Context, c *client, frame models.ClientFrame) error {
	if _, err := h.chat.Conversation(ctx, c.id, frame.ConversationID); err != nil {
		return err
	}
	from, err := models.ParseCursor(frame.Cursor)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if prev, ok := c.subs[frame.ConversationID]; ok {
		prev()
	}
	c.subs[frame.ConversationID] = cancel
	c.mu.Unlock()

	convID := frame.ConversationID
	follower := syncer.NewFollower(h.chat.Log(), h.subscriber, c.id.TenantID, convID)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		err := follower.Run(subCtx, from, func(ev models.MessageEvent) error {
			msg := ev.Message
			return c.send(subCtx, models.ServerFrame{
				Type:           models.ServerFrameMessage,
				ConversationID: convID,
				Event:          ev.Kind,
				Message:        &msg,
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("conversation stream ended", "tenant", c.id.TenantID, "conversation_id", convID, "error", err)
			_ = c.send(subCtx, models.ServerFrame{Type: models.ServerFrameError, ConversationID: convID, Error: err.Error()})
		}
	}()

	observer := h.chat.Typing().Observe(c.id.TenantID, convID)
	go func() {
		defer c.wg.Done()
		defer observer.Cancel()
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-observer.Events():
				if !ok {
					return
				}
				// Clients render their own typing locally.
				if ev.UserID == c.id.UserID {
					continue
				}
				if c.send(subCtx, models.ServerFrame{Type: models.ServerFrameTyping, ConversationID: convID, Typing: &ev}) != nil {
					return
				}
			}
		}
	}()
	return nil
}

// streamTopic forwards sub to the client until the client leaves,
// resubscribing to topic when the feed drops. onResubscribe runs after
// every reconnect to cover events lost in between.
func (h *Hub) streamTopic(c *client, topic string, sub feed.Subscription, onResubscribe func(*client) error) {
	for {
		done := h.forward(c, sub)
		sub.Cancel()
		if done {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(resubscribeBackoff):
		}

		sub = h.subscriber.Subscribe(topic)
		if onResubscribe != nil {
			if err := onResubscribe(c); err != nil {
				slog.Warn("resync failed", "tenant", c.id.TenantID, "user_id", c.id.UserID, "error", err)
			}
		}
	}
}

// forward relays sub to the client. It returns true once the client is gone.
func (h *Hub) forward(c *client, sub feed.Subscription) bool {
	for {
		select {
		case <-c.ctx.Done():
			return true
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			frame, ok := eventFrame(ev.Payload)
			if !ok {
				continue
			}
			if c.send(c.ctx, frame) != nil {
				return true
			}
		}
	}
}

func (h *Hub) resyncConversations(c *client) error {
	convs, err := h.chat.Conversations(c.ctx, c.id)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := c.send(c.ctx, models.ServerFrame{Type: models.ServerFrameConversation, ConversationID: conv.ID, Conversation: &conv}); err != nil {
			return err
		}
	}
	return nil
}

func eventFrame(payload any) (models.ServerFrame, bool) {
	switch p := payload.(type) {
	case models.ConversationEvent:
		conv := p.Conversation
		return models.ServerFrame{Type: models.ServerFrameConversation, ConversationID: conv.ID, Conversation: &conv}, true
	case models.Presence:
		return models.ServerFrame{Type: models.ServerFramePresence, Presence: &p}, true
	}
	return models.ServerFrame{}, false
}

func (c *client) send(ctx context.Context, frame models.ServerFrame) error {
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) unsubscribe(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subs[conversationID]; ok {
		cancel()
		delete(c.subs, conversationID)
	}
}

func errorFrame(frame models.ClientFrame, err error) models.ServerFrame {
	msg := "internal error"
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		msg = ve.Error()
	case errors.Is(err, models.ErrNotFound):
		msg = "not found"
	case errors.Is(err, models.ErrForbidden), errors.Is(err, identity.ErrUnauthorized):
		msg = "forbidden"
	case models.IsUpload(err):
		msg = "upload failed"
	default:
		slog.Error("frame failed", "type", frame.Type, "conversation_id", frame.ConversationID, "error", err)
	}
	return models.ServerFrame{
		Type:           models.ServerFrameError,
		RequestID:      frame.RequestID,
		ConversationID: frame.ConversationID,
		Error:          msg,
	}
}
