// Package messagelog is the per-conversation append-only message sequence.
// Every write runs in one storage transaction together with the matching
// conversation summary update, and its change event is published on the
// conversation topic after commit.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"ptchat/internal/content"
	"ptchat/internal/feed"
	"ptchat/internal/metrics"
	"ptchat/internal/models"
	"ptchat/internal/registry"
	"ptchat/internal/storage"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
	MaxTextRunes    = 4000
	maxEmojiBytes   = 32
)

type Log struct {
	storage  *storage.BboltStorage
	registry *registry.Registry
	metrics  *metrics.Metrics

	// PageSize bounds how many messages ListSince holds in memory at once.
	PageSize int
}

func New(storage *storage.BboltStorage, registry *registry.Registry, metrics *metrics.Metrics) *Log {
	return &Log{
		storage:  storage,
		registry: registry,
		metrics:  metrics,
		PageSize: DefaultPageSize,
	}
}

// Append adds a message from sender to the conversation. The message gets a
// server timestamp strictly greater than every earlier message of the
// conversation, and the conversation summary is updated in the same
// transaction.
func (l *Log) Append(ctx context.Context, sender models.Identity, conversationID string, c models.Content) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	text := strings.TrimSpace(c.Text)
	if text == "" && c.Attachment == nil {
		return models.Message{}, &models.ValidationError{Field: "content", Reason: "message is empty"}
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return models.Message{}, &models.ValidationError{Field: "text", Reason: fmt.Sprintf("longer than %d characters", MaxTextRunes)}
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sender.UserID,
		SenderName:     sender.DisplayName,
		SenderPhoto:    sender.PhotoURL,
		Kind:           models.MessageKindText,
		State:          models.DeliverySent,
	}
	if c.Attachment != nil {
		if !c.Attachment.Kind.Valid() || c.Attachment.URL == "" {
			return models.Message{}, &models.ValidationError{Field: "attachment", Reason: "invalid attachment reference"}
		}
		att := *c.Attachment
		if att.Kind != models.AttachmentVoice {
			att.DurationSeconds = 0
		}
		msg.Attachment = &att
		msg.Kind = att.Kind.MessageKind()
	}
	if text != "" {
		html, err := content.Render(text)
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to render message: %w", err)
		}
		msg.Text = text
		msg.HTML = html
	}

	err := l.storage.Update(sender.TenantID, func(tx *storage.Tx) error {
		conv, err := tx.Conversation(conversationID)
		if err != nil {
			return fmt.Errorf("conversation %s: %w", conversationID, err)
		}
		if !conv.HasParticipant(sender.UserID) {
			return &models.ValidationError{Field: "senderId", Reason: "not a participant of the conversation"}
		}

		if msg.SenderName == "" {
			if u, err := tx.User(sender.UserID); err == nil {
				msg.SenderName = u.DisplayName
				msg.SenderPhoto = u.PhotoURL
			}
		}

		if c.ReplyToID != "" {
			ref, err := tx.Message(conversationID, c.ReplyToID)
			if errors.Is(err, models.ErrNotFound) {
				return &models.ValidationError{Field: "replyToId", Reason: "no such message in this conversation"}
			}
			if err != nil {
				return err
			}
			msg.ReplyTo = &models.ReplyRef{ID: ref.ID, Text: content.Preview(ref), SenderID: ref.SenderID}
		}

		msg.Timestamp, err = tx.NextTimestamp(conversationID)
		if err != nil {
			return err
		}
		if err := tx.PutMessage(msg); err != nil {
			return err
		}
		if _, err := l.registry.RecordAppend(tx, conv, msg); err != nil {
			return err
		}
		tx.Emit(feed.ConversationTopic(sender.TenantID, conversationID), models.MessageEvent{
			Kind:    models.MessageAppended,
			Message: msg.Clone(),
		})
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	l.metrics.MessageAppended(string(msg.Kind))
	slog.Debug("message appended", "tenant", sender.TenantID, "conversation_id", conversationID, "message_id", msg.ID)
	return msg, nil
}

// MarkDelivered moves a message to Delivered. Only the recipient may confirm
// delivery; a message already Delivered or Read is left as is.
func (l *Log) MarkDelivered(ctx context.Context, actor models.Identity, conversationID, messageID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	err := l.storage.Update(actor.TenantID, func(tx *storage.Tx) error {
		conv, err := tx.Conversation(conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(actor.UserID) {
			return models.ErrForbidden
		}
		msg, err = tx.Message(conversationID, messageID)
		if err != nil {
			return err
		}
		if msg.SenderID == actor.UserID {
			return &models.ValidationError{Field: "messageId", Reason: "cannot confirm delivery of your own message"}
		}
		if !msg.State.Before(models.DeliveryDelivered) {
			return nil
		}
		msg.State = models.DeliveryDelivered
		if err := tx.PutMessage(msg); err != nil {
			return err
		}
		emitUpdated(tx, msg)
		return nil
	})
	return msg, err
}

// MarkRead marks every message the reader received in the conversation as
// Read and resets the reader's unread counter. It returns how many messages
// changed state; a repeated call changes nothing.
func (l *Log) MarkRead(ctx context.Context, reader models.Identity, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	changed := 0
	err := l.storage.Update(reader.TenantID, func(tx *storage.Tx) error {
		conv, err := tx.Conversation(conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(reader.UserID) {
			return models.ErrForbidden
		}

		// Everything up to the previous read point is already Read.
		var pending []models.Message
		from := models.Cursor{Timestamp: conv.LastRead[reader.UserID]}
		err = tx.ScanMessages(conversationID, from, func(m models.Message) (bool, error) {
			if m.SenderID != reader.UserID && m.State != models.DeliveryRead {
				pending = append(pending, m)
			}
			return true, nil
		})
		if err != nil {
			return err
		}

		for _, m := range pending {
			m.State = models.DeliveryRead
			if err := tx.PutMessage(m); err != nil {
				return err
			}
			emitUpdated(tx, m)
		}
		changed = len(pending)

		_, err = l.registry.RecordRead(tx, conv, reader.UserID, conv.LastMessageTime)
		return err
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		l.metrics.Read()
	}
	return changed, nil
}

// ListSince yields the conversation's messages strictly after cursor, in
// log order, ending at the last message present when the walk reaches it.
// Pass the cursor of the last message seen to resume after a dropped feed.
func (l *Log) ListSince(ctx context.Context, tenantID, conversationID string, cursor models.Cursor) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		if _, err := l.registry.Get(ctx, tenantID, conversationID); err != nil {
			yield(models.Message{}, err)
			return
		}

		pageSize := l.pageSize()

		after := cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(models.Message{}, err)
				return
			}

			page := make([]models.Message, 0, pageSize)
			err := l.storage.View(tenantID, func(tx *storage.Tx) error {
				return tx.ScanMessages(conversationID, after, func(m models.Message) (bool, error) {
					page = append(page, m)
					return len(page) < pageSize, nil
				})
			})
			if err != nil {
				yield(models.Message{}, err)
				return
			}

			for _, m := range page {
				if !yield(m, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].Cursor()
		}
	}
}

// Recent returns up to limit messages before the cursor, oldest first. A
// zero cursor means the newest messages. A non-positive limit means the
// page size; limit is capped at MaxPageSize.
func (l *Log) Recent(ctx context.Context, tenantID, conversationID string, before models.Cursor, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = l.pageSize()
	}
	limit = min(limit, MaxPageSize)
	var out []models.Message
	err := l.storage.View(tenantID, func(tx *storage.Tx) error {
		if _, err := tx.Conversation(conversationID); err != nil {
			return err
		}
		var err error
		out, err = tx.RecentMessages(conversationID, before, limit)
		return err
	})
	return out, err
}

// Edit replaces the text of a text message. Only the sender may edit, and
// the message keeps its position in the log.
func (l *Log) Edit(ctx context.Context, editor models.Identity, conversationID, messageID, newText string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	text := strings.TrimSpace(newText)
	if text == "" {
		return models.Message{}, &models.ValidationError{Field: "text", Reason: "message is empty"}
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return models.Message{}, &models.ValidationError{Field: "text", Reason: fmt.Sprintf("longer than %d characters", MaxTextRunes)}
	}
	html, err := content.Render(text)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to render message: %w", err)
	}

	return l.mutate(editor, conversationID, messageID, func(msg *models.Message) (bool, error) {
		if msg.SenderID != editor.UserID {
			return false, models.ErrForbidden
		}
		if msg.Deleted {
			return false, &models.ValidationError{Field: "messageId", Reason: "message was deleted"}
		}
		if msg.Kind != models.MessageKindText {
			return false, &models.ValidationError{Field: "messageId", Reason: "only text messages can be edited"}
		}
		if msg.Text == text {
			return false, nil
		}
		msg.Text = text
		msg.HTML = html
		msg.Edited = true
		msg.EditedAt = l.storage.Now()
		return true, nil
	})
}

// Delete soft-deletes a message. The record stays in the log with its text
// replaced and its attachment dropped; unread counters are untouched.
func (l *Log) Delete(ctx context.Context, actor models.Identity, conversationID, messageID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	return l.mutate(actor, conversationID, messageID, func(msg *models.Message) (bool, error) {
		if msg.SenderID != actor.UserID {
			return false, models.ErrForbidden
		}
		if msg.Deleted {
			return false, nil
		}
		msg.Deleted = true
		msg.Text = content.DeletedPlaceholder
		msg.HTML = ""
		msg.Attachment = nil
		return true, nil
	})
}

// React adds or removes the actor's emoji reaction on a message.
func (l *Log) React(ctx context.Context, actor models.Identity, conversationID, messageID, emoji string, on bool) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return models.Message{}, &models.ValidationError{Field: "emoji", Reason: "invalid reaction"}
	}
	return l.mutate(actor, conversationID, messageID, func(msg *models.Message) (bool, error) {
		if msg.Deleted {
			return false, &models.ValidationError{Field: "messageId", Reason: "message was deleted"}
		}
		users := msg.Reactions[emoji]
		i, found := slices.BinarySearch(users, actor.UserID)
		switch {
		case on && !found:
			users = slices.Insert(users, i, actor.UserID)
		case !on && found:
			users = slices.Delete(users, i, i+1)
		default:
			return false, nil
		}
		if msg.Reactions == nil {
			msg.Reactions = make(map[string][]string)
		}
		if len(users) == 0 {
			delete(msg.Reactions, emoji)
		} else {
			msg.Reactions[emoji] = users
		}
		return true, nil
	})
}

// mutate applies fn to a stored message inside a write transaction. fn
// reports whether it changed anything; unchanged messages are not written.
func (l *Log) mutate(actor models.Identity, conversationID, messageID string, fn func(*models.Message) (bool, error)) (models.Message, error) {
	var msg models.Message
	err := l.storage.Update(actor.TenantID, func(tx *storage.Tx) error {
		conv, err := tx.Conversation(conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(actor.UserID) {
			return models.ErrForbidden
		}
		msg, err = tx.Message(conversationID, messageID)
		if err != nil {
			return err
		}
		changed, err := fn(&msg)
		if err != nil || !changed {
			return err
		}
		if err := tx.PutMessage(msg); err != nil {
			return err
		}
		if _, err := l.registry.RecordEdit(tx, conv, msg); err != nil {
			return err
		}
		emitUpdated(tx, msg)
		return nil
	})
	return msg, err
}

func (l *Log) pageSize() int {
	if l.PageSize <= 0 {
		return DefaultPageSize
	}
	return l.PageSize
}

func emitUpdated(tx *storage.Tx, msg models.Message) {
	tx.Emit(feed.ConversationTopic(tx.TenantID(), msg.ConversationID), models.MessageEvent{
		Kind:    models.MessageUpdated,
		Message: msg.Clone(),
	})
}
