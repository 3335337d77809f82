package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"ptchat/internal/feed"
	"ptchat/internal/messagelog"
	"ptchat/internal/models"
	"ptchat/internal/registry"
	"ptchat/internal/storage"

	"github.com/stretchr/testify/require"
)

const tenant = "t1"

var (
	coach = models.Identity{TenantID: tenant, UserID: "coach", Role: models.RoleCoach}
	alice = models.Identity{TenantID: tenant, UserID: "alice", Role: models.RoleClient}
)

var _ KeyValueStore = (*storage.KVStore)(nil)

type stack struct {
	broker *feed.Broker
	db     *storage.BboltStorage
	log    *messagelog.Log
	convID string
}

func newStack(t *testing.T, buffer int) *stack {
	t.Helper()
	broker := feed.NewBroker(buffer)
	t.Cleanup(broker.Close)
	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"), broker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Update(tenant, func(tx *storage.Tx) error {
		if err := tx.UpsertUser(coach); err != nil {
			return err
		}
		return tx.UpsertUser(alice)
	}))
	reg := registry.New(db)
	conv, err := reg.GetOrCreate(context.Background(), tenant, "coach", "alice")
	require.NoError(t, err)

	return &stack{broker: broker, db: db, log: messagelog.New(db, reg, nil), convID: conv.ID}
}

func (s *stack) send(t *testing.T, text string) models.Message {
	t.Helper()
	m, err := s.log.Append(context.Background(), alice, s.convID, models.Content{Text: text})
	require.NoError(t, err)
	return m
}

func receive(t *testing.T, ch <-chan models.MessageEvent) models.MessageEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
		return models.MessageEvent{}
	}
}

func startFollower(t *testing.T, s *stack, from models.Cursor) (<-chan models.MessageEvent, <-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan models.MessageEvent)
	done := make(chan error, 1)

	f := NewFollower(s.log, s.broker, tenant, s.convID)
	f.Backoff = 10 * time.Millisecond
	go func() {
		done <- f.Run(ctx, from, func(ev models.MessageEvent) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	t.Cleanup(cancel)
	return events, done, cancel
}

func TestFollower_CatchUpThenLive(t *testing.T) {
	s := newStack(t, 64)

	var sent []models.Message
	for i := range 3 {
		sent = append(sent, s.send(t, fmt.Sprintf("old %d", i)))
	}

	events, done, cancel := startFollower(t, s, sent[0].Cursor())
	for _, want := range sent[1:] {
		ev := receive(t, events)
		require.Equal(t, models.MessageAppended, ev.Kind)
		require.Equal(t, want.ID, ev.Message.ID)
	}

	require.Eventually(t, func() bool {
		return s.broker.Subscribers(feed.ConversationTopic(tenant, s.convID)) == 1
	}, time.Second, 5*time.Millisecond)

	live := s.send(t, "live")
	ev := receive(t, events)
	require.Equal(t, live.ID, ev.Message.ID)

	_, err := s.log.MarkRead(context.Background(), coach, s.convID)
	require.NoError(t, err)
	// Every message alice sent, including the one before the start cursor.
	for range 4 {
		ev := receive(t, events)
		require.Equal(t, models.MessageUpdated, ev.Kind)
		require.Equal(t, models.DeliveryRead, ev.Message.State)
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("follower did not stop")
	}
}

func TestFollower_ResubscribesWithoutGapsOrDuplicates(t *testing.T) {
	s := newStack(t, 1)
	topic := feed.ConversationTopic(tenant, s.convID)

	events, _, _ := startFollower(t, s, models.Cursor{})
	require.Eventually(t, func() bool { return s.broker.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)

	// Nobody reads events while these land, so the feed overflows and drops.
	var sent []models.Message
	for i := range 6 {
		sent = append(sent, s.send(t, fmt.Sprintf("burst %d", i)))
	}

	for _, want := range sent {
		ev := receive(t, events)
		require.Equal(t, models.MessageAppended, ev.Kind)
		require.Equal(t, want.ID, ev.Message.ID)
	}

	select {
	case ev := <-events:
		t.Fatalf("duplicate event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFollower_ReportsChangesMadeWhileDropped(t *testing.T) {
	s := newStack(t, 1)
	topic := feed.ConversationTopic(tenant, s.convID)

	events, _, _ := startFollower(t, s, models.Cursor{})
	require.Eventually(t, func() bool { return s.broker.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)

	var sent []models.Message
	for i := range 3 {
		sent = append(sent, s.send(t, fmt.Sprintf("before drop %d", i)))
	}
	// The first send is held by the follower and the third overflows the feed.
	require.Eventually(t, func() bool { return s.broker.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)

	_, err := s.log.MarkRead(context.Background(), coach, s.convID)
	require.NoError(t, err)

	appended := map[string]int{}
	latest := map[string]models.Message{}
	var updated []string
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			switch ev.Kind {
			case models.MessageAppended:
				appended[ev.Message.ID]++
			case models.MessageUpdated:
				updated = append(updated, ev.Message.ID)
			}
			latest[ev.Message.ID] = ev.Message
		default:
		}
		if len(latest) < len(sent) {
			return false
		}
		for _, m := range latest {
			if m.State != models.DeliveryRead {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)

	for _, m := range sent {
		require.Equal(t, 1, appended[m.ID], "message %s", m.ID)
	}
	require.Contains(t, updated, sent[0].ID)
}

func TestFollower_UnknownConversation(t *testing.T) {
	s := newStack(t, 8)
	f := NewFollower(s.log, s.broker, tenant, "dm_nobody_noone")
	err := f.Run(context.Background(), models.Cursor{}, func(models.MessageEvent) error { return nil })
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestOutbox(t *testing.T) {
	for name, kv := range map[string]func(t *testing.T) KeyValueStore{
		"Memory": func(t *testing.T) KeyValueStore { return NewMemoryKV() },
		"Bbolt": func(t *testing.T) KeyValueStore {
			return newStack(t, 8).db.KV(tenant, "outbox/alice")
		},
	} {
		t.Run(name, func(t *testing.T) {
			o := NewOutbox(kv(t))
			frozen := time.Unix(100, 0)
			o.now = func() time.Time { return frozen }

			for _, text := range []string{"one", "two", "three"} {
				_, err := o.Enqueue("dm_alice_coach", models.Content{Text: text})
				require.NoError(t, err)
			}

			pending, err := o.Pending()
			require.NoError(t, err)
			require.Len(t, pending, 3)
			require.Equal(t, "one", pending[0].Content.Text)
			require.Equal(t, "three", pending[2].Content.Text)

			var delivered []string
			transient := errors.New("offline")
			n, err := o.Flush(context.Background(), func(_ context.Context, p Pending) error {
				if p.Content.Text == "two" {
					return transient
				}
				delivered = append(delivered, p.Content.Text)
				return nil
			})
			require.ErrorIs(t, err, transient)
			require.Equal(t, 1, n)
			require.Equal(t, []string{"one"}, delivered)

			pending, err = o.Pending()
			require.NoError(t, err)
			require.Len(t, pending, 2)

			n, err = o.Flush(context.Background(), func(_ context.Context, p Pending) error {
				if p.Content.Text == "two" {
					return &models.ValidationError{Field: "content", Reason: "rejected"}
				}
				delivered = append(delivered, p.Content.Text)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, 2, n)
			require.Equal(t, []string{"one", "three"}, delivered)

			pending, err = o.Pending()
			require.NoError(t, err)
			require.Empty(t, pending)
		})
	}
}
