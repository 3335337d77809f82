// Package syncer keeps a client view of a conversation consistent across
// dropped feeds and holds sends that could not be delivered yet.
package syncer

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"time"

	"ptchat/internal/feed"
	"ptchat/internal/models"
)

const DefaultBackoff = 200 * time.Millisecond

// MessageSource is the catch-up path; see messagelog.Log.
type MessageSource interface {
	ListSince(ctx context.Context, tenantID, conversationID string, cursor models.Cursor) iter.Seq2[models.Message, error]
}

// Follower delivers a conversation's message events in log order, with no
// gaps and no duplicate appends, resubscribing whenever the feed drops.
type Follower struct {
	source         MessageSource
	subscriber     feed.Subscriber
	tenantID       string
	conversationID string

	// Backoff is the pause before resubscribing after a drop.
	Backoff time.Duration
}

func NewFollower(source MessageSource, subscriber feed.Subscriber, tenantID, conversationID string) *Follower {
	return &Follower{
		source:         source,
		subscriber:     subscriber,
		tenantID:       tenantID,
		conversationID: conversationID,
		Backoff:        DefaultBackoff,
	}
}

// Run calls fn for every message after from, then for every live change,
// until ctx is done or fn fails. It returns ctx.Err() or fn's error.
//
// After a drop the messages already delivered are listed again from from,
// and any whose state changed while the feed was down are reported as
// updates before the missed appends.
func (f *Follower) Run(ctx context.Context, from models.Cursor, fn func(models.MessageEvent) error) error {
	cursor := from
	topic := feed.ConversationTopic(f.tenantID, f.conversationID)
	// Last version handed to fn, per message after from.
	seen := make(map[string]models.Message)

	for {
		// Subscribe before catching up so nothing committed in between is missed.
		sub := f.subscriber.Subscribe(topic)

		var err error
		cursor, err = f.catchUp(ctx, from, cursor, seen, fn)
		if err == nil {
			cursor, err = f.follow(ctx, sub, cursor, seen, fn)
		}
		sub.Cancel()

		if !errors.Is(err, feed.ErrSubscriptionDropped) {
			return err
		}
		slog.Debug("feed dropped, resubscribing", "tenant", f.tenantID, "conversation_id", f.conversationID, "cursor", cursor.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.Backoff):
		}
	}
}

func (f *Follower) catchUp(ctx context.Context, from, cursor models.Cursor, seen map[string]models.Message, fn func(models.MessageEvent) error) (models.Cursor, error) {
	start := cursor
	if len(seen) > 0 {
		start = from
	}
	for m, err := range f.source.ListSince(ctx, f.tenantID, f.conversationID, start) {
		if err != nil {
			return cursor, err
		}
		kind := models.MessageAppended
		if !m.Cursor().After(cursor) {
			prev, ok := seen[m.ID]
			if !ok || !changed(prev, m) {
				continue
			}
			kind = models.MessageUpdated
		}
		if err := fn(models.MessageEvent{Kind: kind, Message: m}); err != nil {
			return cursor, err
		}
		seen[m.ID] = m.Clone()
		if kind == models.MessageAppended {
			cursor = m.Cursor()
		}
	}
	return cursor, nil
}

func (f *Follower) follow(ctx context.Context, sub feed.Subscription, cursor models.Cursor, seen map[string]models.Message, fn func(models.MessageEvent) error) (models.Cursor, error) {
	for {
		select {
		case <-ctx.Done():
			return cursor, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return cursor, err
				}
				return cursor, feed.ErrSubscriptionDropped
			}
			me, isMessage := ev.Payload.(models.MessageEvent)
			if !isMessage {
				continue
			}
			at := me.Message.Cursor()
			switch me.Kind {
			case models.MessageAppended:
				// Already delivered by catch-up.
				if !at.After(cursor) {
					continue
				}
				cursor = at
			case models.MessageUpdated:
				if at.After(cursor) {
					continue
				}
			}
			if err := fn(me); err != nil {
				return cursor, err
			}
			if _, ok := seen[me.Message.ID]; ok || me.Kind == models.MessageAppended {
				seen[me.Message.ID] = me.Message.Clone()
			}
		}
	}
}

func changed(prev, cur models.Message) bool {
	return prev.State != cur.State ||
		prev.Text != cur.Text ||
		prev.HTML != cur.HTML ||
		prev.EditedAt != cur.EditedAt ||
		prev.Deleted != cur.Deleted ||
		!maps.EqualFunc(prev.Reactions, cur.Reactions, slices.Equal[[]string])
}
