// Package registry owns conversation metadata: participants, the last
// message preview and per-participant unread counters.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"ptchat/internal/content"
	"ptchat/internal/feed"
	"ptchat/internal/models"
	"ptchat/internal/storage"
)

const idPrefix = "dm_"

// ConversationID is the deterministic id of the conversation between a and
// b. Both participants compute the same id regardless of argument order.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return idPrefix + a + "_" + b
}

type Registry struct {
	storage *storage.BboltStorage
}

func New(storage *storage.BboltStorage) *Registry {
	return &Registry{storage: storage}
}

// GetOrCreate returns the conversation between initiator and peer, creating
// it on first contact. Concurrent calls for the same pair from either side
// converge on the same record. The role gate applies only on creation.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID, initiator, peer string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	if err := content.ValidateID(initiator); err != nil {
		return models.Conversation{}, &models.ValidationError{Field: "userId", Reason: err.Error()}
	}
	if err := content.ValidateID(peer); err != nil {
		return models.Conversation{}, &models.ValidationError{Field: "peerId", Reason: err.Error()}
	}
	if initiator == peer {
		return models.Conversation{}, &models.ValidationError{Field: "peerId", Reason: "cannot start a conversation with yourself"}
	}

	id := ConversationID(initiator, peer)
	var conv models.Conversation
	err := r.storage.Update(tenantID, func(tx *storage.Tx) error {
		existing, err := tx.Conversation(id)
		if err == nil {
			conv = existing
			return nil
		}

		from, err := tx.User(initiator)
		if err != nil {
			return fmt.Errorf("user %s: %w", initiator, err)
		}
		to, err := tx.User(peer)
		if err != nil {
			return fmt.Errorf("user %s: %w", peer, err)
		}
		if !from.Role.CanStartWith(to.Role) {
			return &models.ValidationError{
				Field:  "peerId",
				Reason: fmt.Sprintf("a %s cannot start a conversation with a %s", from.Role, to.Role),
			}
		}

		participants := []string{initiator, peer}
		slices.Sort(participants)
		conv = models.Conversation{
			ID:             id,
			TenantID:       tenantID,
			ParticipantIDs: participants,
			UnreadCount:    map[string]int{initiator: 0, peer: 0},
			LastRead:       map[string]int64{},
			Archived:       map[string]bool{},
			CreatedAt:      r.storage.Now(),
		}
		if err := tx.PutConversation(conv); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		emit(tx, conv)
		slog.Info("conversation created", "tenant", tenantID, "conversation_id", id)
		return nil
	})
	return conv, err
}

func (r *Registry) Get(ctx context.Context, tenantID, conversationID string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	var conv models.Conversation
	err := r.storage.View(tenantID, func(tx *storage.Tx) error {
		var err error
		conv, err = tx.Conversation(conversationID)
		return err
	})
	return conv, err
}

// List returns the user's conversations that they have not archived, most
// recently active first.
func (r *Registry) List(ctx context.Context, tenantID, userID string) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Conversation
	err := r.storage.View(tenantID, func(tx *storage.Tx) error {
		return tx.ForEachConversation(func(c models.Conversation) error {
			if c.HasParticipant(userID) && !c.Archived[userID] {
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b models.Conversation) int {
		if c := cmp.Compare(b.LastMessageTime, a.LastMessageTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// TotalUnread sums the user's unread counters across all conversations.
func (r *Registry) TotalUnread(ctx context.Context, tenantID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	total := 0
	err := r.storage.View(tenantID, func(tx *storage.Tx) error {
		return tx.ForEachConversation(func(c models.Conversation) error {
			if c.HasParticipant(userID) {
				total += c.UnreadCount[userID]
			}
			return nil
		})
	})
	return total, err
}

// Archive sets the participant's archive flag. It only hides the
// conversation from List; the next incoming message clears it.
func (r *Registry) Archive(ctx context.Context, tenantID, conversationID, userID string, archived bool) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	var conv models.Conversation
	err := r.storage.Update(tenantID, func(tx *storage.Tx) error {
		var err error
		conv, err = tx.Conversation(conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return models.ErrForbidden
		}
		if conv.Archived[userID] == archived {
			return nil
		}
		if archived {
			conv.Archived[userID] = true
		} else {
			delete(conv.Archived, userID)
		}
		if err := tx.PutConversation(conv); err != nil {
			return err
		}
		tx.Emit(feed.UserTopic(tenantID, userID), models.ConversationEvent{Conversation: conv.Clone()})
		return nil
	})
	return conv, err
}

// Reconcile recomputes the last message and every unread counter from the
// message log and the participants' read points. It reports whether the
// stored summary was out of date.
func (r *Registry) Reconcile(ctx context.Context, tenantID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	changed := false
	err := r.storage.Update(tenantID, func(tx *storage.Tx) error {
		conv, err := tx.Conversation(conversationID)
		if err != nil {
			return err
		}

		unread := make(map[string]int, len(conv.ParticipantIDs))
		for _, p := range conv.ParticipantIDs {
			unread[p] = 0
		}
		var last *models.Message
		err = tx.ScanMessages(conversationID, models.Cursor{}, func(m models.Message) (bool, error) {
			for _, p := range conv.ParticipantIDs {
				if m.SenderID != p && m.Timestamp > conv.LastRead[p] {
					unread[p]++
				}
			}
			last = &m
			return true, nil
		})
		if err != nil {
			return err
		}

		for _, p := range conv.ParticipantIDs {
			if conv.UnreadCount[p] != unread[p] {
				slog.Warn("unread counter drifted", "tenant", tenantID, "conversation_id", conversationID,
					"user_id", p, "stored", conv.UnreadCount[p], "actual", unread[p])
				conv.UnreadCount[p] = unread[p]
				changed = true
			}
		}
		if last != nil {
			preview := lastMessage(*last)
			if conv.LastMessage == nil || *conv.LastMessage != preview || conv.LastMessageTime != last.Timestamp {
				conv.LastMessage = &preview
				conv.LastMessageTime = last.Timestamp
				changed = true
			}
		}

		if !changed {
			return nil
		}
		if err := tx.PutConversation(conv); err != nil {
			return err
		}
		emit(tx, conv)
		return nil
	})
	return changed, err
}

// RecordAppend updates the summary for a message appended in the same
// transaction: last message, and one more unread message for everyone but
// the sender.
func (r *Registry) RecordAppend(tx *storage.Tx, conv models.Conversation, m models.Message) (models.Conversation, error) {
	preview := lastMessage(m)
	conv.LastMessage = &preview
	conv.LastMessageTime = m.Timestamp
	for _, p := range conv.ParticipantIDs {
		if p == m.SenderID {
			continue
		}
		conv.UnreadCount[p]++
		delete(conv.Archived, p)
	}
	if err := tx.PutConversation(conv); err != nil {
		return conv, fmt.Errorf("failed to update conversation: %w", err)
	}
	emit(tx, conv)
	return conv, nil
}

// RecordRead resets the reader's counter and moves their read point to
// readPoint. Read points never move backwards.
func (r *Registry) RecordRead(tx *storage.Tx, conv models.Conversation, readerID string, readPoint int64) (models.Conversation, error) {
	if conv.UnreadCount[readerID] == 0 && conv.LastRead[readerID] >= readPoint {
		return conv, nil
	}
	conv.UnreadCount[readerID] = 0
	if readPoint > conv.LastRead[readerID] {
		conv.LastRead[readerID] = readPoint
	}
	if err := tx.PutConversation(conv); err != nil {
		return conv, fmt.Errorf("failed to update conversation: %w", err)
	}
	emit(tx, conv)
	return conv, nil
}

// RecordEdit refreshes the preview when m is the conversation's last message.
func (r *Registry) RecordEdit(tx *storage.Tx, conv models.Conversation, m models.Message) (models.Conversation, error) {
	if conv.LastMessage == nil || conv.LastMessageTime != m.Timestamp || conv.LastMessage.SenderID != m.SenderID {
		return conv, nil
	}
	preview := lastMessage(m)
	if *conv.LastMessage == preview {
		return conv, nil
	}
	conv.LastMessage = &preview
	if err := tx.PutConversation(conv); err != nil {
		return conv, fmt.Errorf("failed to update conversation: %w", err)
	}
	emit(tx, conv)
	return conv, nil
}

func lastMessage(m models.Message) models.LastMessage {
	return models.LastMessage{
		Text:      content.Preview(m),
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
	}
}

func emit(tx *storage.Tx, conv models.Conversation) {
	for _, p := range conv.ParticipantIDs {
		tx.Emit(feed.UserTopic(tx.TenantID(), p), models.ConversationEvent{Conversation: conv.Clone()})
	}
}
