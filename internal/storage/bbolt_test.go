package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ptchat/internal/models"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func newTestStorage(t *testing.T, pub Publisher) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"), pub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorage(t *testing.T) {
	pub := &recordingPublisher{}
	store := newTestStorage(t, pub)

	t.Run("Users", func(t *testing.T) {
		err := store.Update("t1", func(tx *Tx) error {
			return tx.UpsertUser(models.Identity{UserID: "alice", DisplayName: "Alice", Role: models.RoleCoach})
		})
		require.NoError(t, err)

		var got models.Identity
		err = store.View("t1", func(tx *Tx) error {
			var err error
			got, err = tx.User("alice")
			return err
		})
		require.NoError(t, err)
		require.Equal(t, "t1", got.TenantID)
		require.Equal(t, models.RoleCoach, got.Role)

		// Other tenants do not see it.
		err = store.View("t2", func(tx *Tx) error {
			_, err := tx.User("alice")
			return err
		})
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Conversation", func(t *testing.T) {
		conv := models.Conversation{
			ID:             "dm_alice_bob",
			ParticipantIDs: []string{"alice", "bob"},
			UnreadCount:    map[string]int{"alice": 0, "bob": 2},
			LastMessage:    &models.LastMessage{Text: "hi", SenderID: "alice", Timestamp: 10},
		}
		require.NoError(t, store.Update("t1", func(tx *Tx) error {
			return tx.PutConversation(conv)
		}))

		var got models.Conversation
		require.NoError(t, store.View("t1", func(tx *Tx) error {
			var err error
			got, err = tx.Conversation(conv.ID)
			return err
		}))
		require.Equal(t, 2, got.UnreadCount["bob"])
		require.Equal(t, "hi", got.LastMessage.Text)
		require.NotNil(t, got.LastRead)
	})

	t.Run("MessagesOrderedByTimestampThenID", func(t *testing.T) {
		msgs := []models.Message{
			{ID: "b", ConversationID: "c1", Timestamp: 5, Kind: models.MessageKindText, Text: "second"},
			{ID: "a", ConversationID: "c1", Timestamp: 5, Kind: models.MessageKindText, Text: "first"},
			{ID: "z", ConversationID: "c1", Timestamp: 1, Kind: models.MessageKindText, Text: "zeroth"},
			{ID: "c", ConversationID: "c1", Timestamp: 9, Kind: models.MessageKindText, Text: "third"},
		}
		require.NoError(t, store.Update("t1", func(tx *Tx) error {
			for _, m := range msgs {
				if err := tx.PutMessage(m); err != nil {
					return err
				}
			}
			return nil
		}))

		collect := func(after models.Cursor) []string {
			var texts []string
			require.NoError(t, store.View("t1", func(tx *Tx) error {
				return tx.ScanMessages("c1", after, func(m models.Message) (bool, error) {
					texts = append(texts, m.Text)
					return true, nil
				})
			}))
			return texts
		}

		require.Equal(t, []string{"zeroth", "first", "second", "third"}, collect(models.Cursor{}))
		require.Equal(t, []string{"second", "third"}, collect(models.Cursor{Timestamp: 5, ID: "a"}))
		require.Empty(t, collect(models.Cursor{Timestamp: 9, ID: "c"}))

		recent := func(before models.Cursor, n int) []string {
			var texts []string
			require.NoError(t, store.View("t1", func(tx *Tx) error {
				msgs, err := tx.RecentMessages("c1", before, n)
				for _, m := range msgs {
					texts = append(texts, m.Text)
				}
				return err
			}))
			return texts
		}
		require.Equal(t, []string{"second", "third"}, recent(models.Cursor{}, 2))
		require.Equal(t, []string{"zeroth", "first"}, recent(models.Cursor{Timestamp: 5, ID: "b"}, 5))
		require.Equal(t, []string{"zeroth", "first", "second", "third"}, recent(models.Cursor{Timestamp: 100}, 10))
		require.Empty(t, recent(models.Cursor{Timestamp: 1, ID: "z"}, 10))

		var byID models.Message
		require.NoError(t, store.View("t1", func(tx *Tx) error {
			var err error
			byID, err = tx.Message("c1", "c")
			return err
		}))
		require.Equal(t, "third", byID.Text)
		require.Equal(t, models.DeliverySent, byID.State)
	})

	t.Run("Attachments", func(t *testing.T) {
		msg := models.Message{
			ID:             "v1",
			ConversationID: "c2",
			Timestamp:      3,
			Kind:           models.MessageKindVoice,
			State:          models.DeliveryRead,
			Attachment: &models.Attachment{
				Kind:            models.AttachmentVoice,
				Key:             "k1",
				URL:             "https://files/k1",
				SizeBytes:       1200,
				DurationSeconds: 4.5,
			},
		}
		require.NoError(t, store.Update("t1", func(tx *Tx) error { return tx.PutMessage(msg) }))

		var got models.Message
		require.NoError(t, store.View("t1", func(tx *Tx) error {
			var err error
			got, err = tx.Message("c2", "v1")
			return err
		}))
		require.NotNil(t, got.Attachment)
		require.Equal(t, models.AttachmentVoice, got.Attachment.Kind)
		require.Equal(t, 4.5, got.Attachment.DurationSeconds)
		require.Equal(t, "https://files/k1", got.Attachment.URL)
		require.Equal(t, models.DeliveryRead, got.State)
	})

	t.Run("Devices", func(t *testing.T) {
		require.NoError(t, store.Update("t1", func(tx *Tx) error {
			if err := tx.PutDevice(models.DeviceToken{UserID: "bob", Token: "tok1", Platform: models.PlatformWeb, Enabled: true}); err != nil {
				return err
			}
			return tx.PutDevice(models.DeviceToken{UserID: "carol", Token: "tok2", Platform: models.PlatformIOS, Enabled: true})
		}))

		var tokens []string
		require.NoError(t, store.View("t1", func(tx *Tx) error {
			return tx.ForEachDevice("bob", func(d models.DeviceToken) error {
				tokens = append(tokens, d.Token)
				return nil
			})
		}))
		require.Equal(t, []string{"tok1"}, tokens)
	})

	t.Run("KV", func(t *testing.T) {
		kv := store.KV("t1", "outbox/bob")
		require.NoError(t, kv.Put("0002", []byte("b")))
		require.NoError(t, kv.Put("0001", []byte("a")))
		require.NoError(t, store.KV("t1", "outbox/carol").Put("0001", []byte("other")))

		var keys []string
		require.NoError(t, kv.Scan("", func(k string, v []byte) error {
			keys = append(keys, k+"="+string(v))
			return nil
		}))
		require.Equal(t, []string{"0001=a", "0002=b"}, keys)

		require.NoError(t, kv.Delete("0001"))
		_, err := kv.Get("0001")
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStorage_NextTimestampMonotonic(t *testing.T) {
	store := newTestStorage(t, nil)

	frozen := time.UnixMilli(1_000)
	store.SetClock(func() time.Time { return frozen })

	var got []int64
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Update("t1", func(tx *Tx) error {
			ts, err := tx.NextTimestamp("c1")
			got = append(got, ts)
			return err
		}))
	}
	require.Equal(t, []int64{1000, 1001, 1002}, got)

	// Clock going backwards never produces an older timestamp.
	store.SetClock(func() time.Time { return time.UnixMilli(10) })
	require.NoError(t, store.Update("t1", func(tx *Tx) error {
		ts, err := tx.NextTimestamp("c1")
		require.Equal(t, int64(1003), ts)
		return err
	}))

	// Conversations have independent clocks.
	require.NoError(t, store.Update("t1", func(tx *Tx) error {
		ts, err := tx.NextTimestamp("c2")
		require.Equal(t, int64(10), ts)
		return err
	}))
}

func TestStorage_EventsPublishedOnlyOnCommit(t *testing.T) {
	pub := &recordingPublisher{}
	store := newTestStorage(t, pub)

	err := store.Update("t1", func(tx *Tx) error {
		tx.Emit("conv/t1/c1", "first")
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Empty(t, pub.topics)

	require.NoError(t, store.Update("t1", func(tx *Tx) error {
		tx.Emit("conv/t1/c1", "a")
		tx.Emit("user/t1/bob", "b")
		return nil
	}))
	require.Equal(t, []string{"conv/t1/c1", "user/t1/bob"}, pub.topics)

	require.Error(t, store.Update("", func(tx *Tx) error { return nil }))
}
