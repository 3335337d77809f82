// Package chat ties the conversation components together for the transport
// layer: attachments are uploaded before the message that references them
// is appended, and push notifications go out after the append commits.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ptchat/internal/attachment"
	"ptchat/internal/messagelog"
	"ptchat/internal/models"
	"ptchat/internal/presence"
	"ptchat/internal/registry"
	"ptchat/internal/typing"
)

const defaultNotifyTimeout = 30 * time.Second

// Notifier is told about every appended message.
type Notifier interface {
	OnNewMessage(ctx context.Context, msg models.Message, conv models.Conversation) error
}

type Config struct {
	Registry    *registry.Registry
	Log         *messagelog.Log
	Attachments *attachment.Pipeline
	Presence    *presence.Tracker
	Typing      *typing.Coordinator
	Notifier    Notifier

	// NotifyTimeout bounds one background notification.
	NotifyTimeout time.Duration
}

type Service struct {
	registry    *registry.Registry
	log         *messagelog.Log
	attachments *attachment.Pipeline
	presence    *presence.Tracker
	typing      *typing.Coordinator
	notifier    Notifier

	notifyTimeout time.Duration
	wg            sync.WaitGroup
}

func New(config Config) *Service {
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = defaultNotifyTimeout
	}
	return &Service{
		registry:      config.Registry,
		log:           config.Log,
		attachments:   config.Attachments,
		presence:      config.Presence,
		typing:        config.Typing,
		notifier:      config.Notifier,
		notifyTimeout: config.NotifyTimeout,
	}
}

func (s *Service) Registry() *registry.Registry {
	return s.registry
}

func (s *Service) Log() *messagelog.Log {
	return s.log
}

func (s *Service) Presence() *presence.Tracker {
	return s.presence
}

func (s *Service) Typing() *typing.Coordinator {
	return s.typing
}

func (s *Service) Attachments() *attachment.Pipeline {
	return s.attachments
}

func (s *Service) StartConversation(ctx context.Context, id models.Identity, peerID string) (models.Conversation, error) {
	return s.registry.GetOrCreate(ctx, id.TenantID, id.UserID, peerID)
}

// Send appends a message and clears the sender's typing indicator.
func (s *Service) Send(ctx context.Context, id models.Identity, conversationID string, c models.Content) (models.Message, error) {
	msg, err := s.log.Append(ctx, id, conversationID, c)
	if err != nil {
		return models.Message{}, err
	}
	if s.typing != nil {
		s.typing.StopTyping(id, conversationID)
	}
	s.notify(id.TenantID, msg)
	return msg, nil
}

// SendAttachment uploads the blob and appends a message referencing it. A
// failed upload leaves the log untouched.
func (s *Service) SendAttachment(ctx context.Context, id models.Identity, conversationID string, blob attachment.Blob, kind models.AttachmentKind, caption string) (models.Message, error) {
	// Membership is checked before anything is written to the object store.
	conv, err := s.registry.Get(ctx, id.TenantID, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(id.UserID) {
		return models.Message{}, &models.ValidationError{Field: "senderId", Reason: "not a participant of the conversation"}
	}

	att, err := s.attachments.Upload(ctx, id, conversationID, blob, kind)
	if err != nil {
		return models.Message{}, err
	}
	return s.Send(ctx, id, conversationID, models.Content{Text: caption, Attachment: &att})
}

// Read marks everything the reader has received as read.
func (s *Service) Read(ctx context.Context, id models.Identity, conversationID string) (int, error) {
	return s.log.MarkRead(ctx, id, conversationID)
}

func (s *Service) Conversations(ctx context.Context, id models.Identity) ([]models.Conversation, error) {
	return s.registry.List(ctx, id.TenantID, id.UserID)
}

// Conversation returns the conversation if id takes part in it.
func (s *Service) Conversation(ctx context.Context, id models.Identity, conversationID string) (models.Conversation, error) {
	conv, err := s.registry.Get(ctx, id.TenantID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(id.UserID) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, models.ErrForbidden)
	}
	return conv, nil
}

// SetTyping raises or clears the caller's typing indicator.
func (s *Service) SetTyping(ctx context.Context, id models.Identity, conversationID string, isTyping bool) error {
	if _, err := s.Conversation(ctx, id, conversationID); err != nil {
		return err
	}
	if s.typing == nil {
		return nil
	}
	if isTyping {
		s.typing.SetTyping(id, conversationID)
	} else {
		s.typing.StopTyping(id, conversationID)
	}
	return nil
}

func (s *Service) notify(tenantID string, msg models.Message) {
	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		conv, err := s.registry.Get(ctx, tenantID, msg.ConversationID)
		if err != nil {
			slog.Warn("notify: conversation lookup failed", "tenant", tenantID, "conversation_id", msg.ConversationID, "error", err)
			return
		}
		if err := s.notifier.OnNewMessage(ctx, msg, conv); err != nil {
			slog.Warn("notify: push failed", "tenant", tenantID, "conversation_id", msg.ConversationID, "error", err)
		}
	}()
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
