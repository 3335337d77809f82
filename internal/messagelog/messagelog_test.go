package messagelog

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ptchat/internal/content"
	"ptchat/internal/feed"
	"ptchat/internal/models"
	"ptchat/internal/registry"
	"ptchat/internal/storage"

	"github.com/stretchr/testify/require"
)

const tenant = "t1"

var (
	coach = models.Identity{TenantID: tenant, UserID: "coach", DisplayName: "Coach", Role: models.RoleCoach}
	alice = models.Identity{TenantID: tenant, UserID: "alice", DisplayName: "Alice", Role: models.RoleClient}
	carol = models.Identity{TenantID: tenant, UserID: "carol", DisplayName: "Carol", Role: models.RoleClient}
)

type fixture struct {
	broker   *feed.Broker
	storage  *storage.BboltStorage
	registry *registry.Registry
	log      *Log
	conv     models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := feed.NewBroker(1024)
	t.Cleanup(broker.Close)

	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"), broker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Update(tenant, func(tx *storage.Tx) error {
		for _, u := range []models.Identity{coach, alice, carol} {
			if err := tx.UpsertUser(u); err != nil {
				return err
			}
		}
		return nil
	}))

	reg := registry.New(db)
	conv, err := reg.GetOrCreate(context.Background(), tenant, "alice", "coach")
	require.NoError(t, err)

	return &fixture{
		broker:   broker,
		storage:  db,
		registry: reg,
		log:      New(db, reg, nil),
		conv:     conv,
	}
}

func (f *fixture) all(t *testing.T, after models.Cursor) []models.Message {
	t.Helper()
	var out []models.Message
	for m, err := range f.log.ListSince(context.Background(), tenant, f.conv.ID, after) {
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (f *fixture) conversation(t *testing.T) models.Conversation {
	t.Helper()
	conv, err := f.registry.Get(context.Background(), tenant, f.conv.ID)
	require.NoError(t, err)
	return conv
}

func TestAppend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		sender  models.Identity
		convID  string
		content models.Content
	}{
		{"Empty", alice, f.conv.ID, models.Content{}},
		{"Whitespace", alice, f.conv.ID, models.Content{Text: "  \n\t "}},
		{"NotParticipant", carol, f.conv.ID, models.Content{Text: "hi"}},
		{"UnknownReply", alice, f.conv.ID, models.Content{Text: "hi", ReplyToID: "nope"}},
		{"BadAttachment", alice, f.conv.ID, models.Content{Attachment: &models.Attachment{Kind: models.AttachmentImage}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.log.Append(ctx, tt.sender, tt.convID, tt.content)
			require.True(t, models.IsValidation(err), "got %v", err)
		})
	}

	_, err := f.log.Append(ctx, alice, "dm_alice_nobody", models.Content{Text: "hi"})
	require.ErrorIs(t, err, models.ErrNotFound)

	require.Empty(t, f.all(t, models.Cursor{}))
	require.Equal(t, 0, f.conversation(t).UnreadCount["coach"])
}

func TestAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: "  hello **coach**  "})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "hello **coach**", msg.Text)
	require.Contains(t, msg.HTML, "<strong>coach</strong>")
	require.Equal(t, "Alice", msg.SenderName)
	require.Equal(t, models.MessageKindText, msg.Kind)
	require.Equal(t, models.DeliverySent, msg.State)

	reply, err := f.log.Append(ctx, coach, f.conv.ID, models.Content{Text: "hi!", ReplyToID: msg.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	require.Equal(t, msg.ID, reply.ReplyTo.ID)
	require.Equal(t, "alice", reply.ReplyTo.SenderID)
	require.True(t, reply.Timestamp > msg.Timestamp)

	conv := f.conversation(t)
	require.Equal(t, 1, conv.UnreadCount["alice"])
	require.Equal(t, 1, conv.UnreadCount["coach"])
	require.Equal(t, "hi!", conv.LastMessage.Text)
	require.Equal(t, reply.Timestamp, conv.LastMessageTime)

	t.Run("ImageAttachment", func(t *testing.T) {
		img, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Attachment: &models.Attachment{
			Kind:      models.AttachmentImage,
			Key:       "abc.png",
			URL:       "http://localhost/files/abc.png",
			SizeBytes: 42,
		}})
		require.NoError(t, err)
		require.Equal(t, models.MessageKindImage, img.Kind)

		conv := f.conversation(t)
		require.Equal(t, content.ImagePlaceholder, conv.LastMessage.Text)

		stored := f.all(t, reply.Cursor())
		require.Len(t, stored, 1)
		require.Equal(t, "http://localhost/files/abc.png", stored[0].Attachment.URL)
	})
}

func TestAppend_KeepsRawText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"Tom & Jerry", "I <3 you", `she said "hi"`, "<script>alert(1)</script> ciao"} {
		msg, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: text})
		require.NoError(t, err)
		require.Equal(t, text, msg.Text)
		require.NotContains(t, msg.HTML, "<script>")

		stored := f.all(t, models.Cursor{})
		require.Equal(t, text, stored[len(stored)-1].Text)
		require.Equal(t, text, f.conversation(t).LastMessage.Text)
	}

	last := f.all(t, models.Cursor{})
	edited, err := f.log.Edit(ctx, alice, f.conv.ID, last[0].ID, "Tom & Jerry & Spike")
	require.NoError(t, err)
	require.Equal(t, "Tom & Jerry & Spike", edited.Text)

	// Same raw text again is a no-op.
	again, err := f.log.Edit(ctx, alice, f.conv.ID, last[0].ID, "Tom & Jerry & Spike")
	require.NoError(t, err)
	require.Equal(t, edited.EditedAt, again.EditedAt)
}

func TestAppend_ConcurrentOrdering(t *testing.T) {
	f := newFixture(t)
	f.log.PageSize = 7
	ctx := context.Background()

	other, err := f.registry.GetOrCreate(ctx, tenant, "coach", "carol")
	require.NoError(t, err)

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*writers*perWriter)
	for w := range writers {
		sender := alice
		if w%2 == 1 {
			sender = coach
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				_, err := f.log.Append(ctx, sender, f.conv.ID, models.Content{Text: fmt.Sprintf("w%d-%d", w, i)})
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			for i := range perWriter {
				_, err := f.log.Append(ctx, coach, other.ID, models.Content{Text: fmt.Sprintf("o%d-%d", w, i)})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs := f.all(t, models.Cursor{})
	require.Len(t, msgs, writers*perWriter)
	for i := 1; i < len(msgs); i++ {
		require.Greater(t, msgs[i].Timestamp, msgs[i-1].Timestamp)
	}

	// Each writer's own messages keep their submission order.
	last := map[int]int{}
	for _, m := range msgs {
		var w, i int
		_, err := fmt.Sscanf(m.Text, "w%d-%d", &w, &i)
		require.NoError(t, err)
		if prev, ok := last[w]; ok {
			require.Greater(t, i, prev)
		}
		last[w] = i
	}

	conv := f.conversation(t)
	require.Equal(t, writers/2*perWriter, conv.UnreadCount["coach"])
	require.Equal(t, writers/2*perWriter, conv.UnreadCount["alice"])
}

func TestUnreadInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))
	users := []models.Identity{alice, coach}

	for step := range 200 {
		u := users[rng.IntN(2)]
		if rng.IntN(3) == 0 {
			_, err := f.log.MarkRead(ctx, u, f.conv.ID)
			require.NoError(t, err)
		} else {
			_, err := f.log.Append(ctx, u, f.conv.ID, models.Content{Text: fmt.Sprintf("step %d", step)})
			require.NoError(t, err)
		}

		conv := f.conversation(t)
		msgs := f.all(t, models.Cursor{})
		for _, p := range users {
			expected := 0
			for _, m := range msgs {
				if m.SenderID != p.UserID && m.Timestamp > conv.LastRead[p.UserID] {
					expected++
				}
			}
			require.Equal(t, expected, conv.UnreadCount[p.UserID], "step %d user %s", step, p.UserID)
		}
	}

	changed, err := f.registry.Reconcile(ctx, tenant, f.conv.ID)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: "one"})
	require.NoError(t, err)
	_, err = f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: "two"})
	require.NoError(t, err)
	mine, err := f.log.Append(ctx, coach, f.conv.ID, models.Content{Text: "mine"})
	require.NoError(t, err)

	_, err = f.log.MarkDelivered(ctx, coach, f.conv.ID, m1.ID)
	require.NoError(t, err)

	n, err := f.log.MarkRead(ctx, coach, f.conv.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	before := f.conversation(t)
	require.Equal(t, 0, before.UnreadCount["coach"])
	require.Equal(t, 1, before.UnreadCount["alice"])

	for _, m := range f.all(t, models.Cursor{}) {
		if m.ID == mine.ID {
			require.Equal(t, models.DeliverySent, m.State)
		} else {
			require.Equal(t, models.DeliveryRead, m.State)
		}
	}

	t.Run("Idempotent", func(t *testing.T) {
		n, err := f.log.MarkRead(ctx, coach, f.conv.ID)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Equal(t, before, f.conversation(t))
	})

	t.Run("DeliveredNeverRegresses", func(t *testing.T) {
		m, err := f.log.MarkDelivered(ctx, coach, f.conv.ID, m1.ID)
		require.NoError(t, err)
		require.Equal(t, models.DeliveryRead, m.State)
	})

	t.Run("OwnMessages", func(t *testing.T) {
		_, err := f.log.MarkDelivered(ctx, coach, f.conv.ID, mine.ID)
		require.True(t, models.IsValidation(err))
	})

	t.Run("NotParticipant", func(t *testing.T) {
		_, err := f.log.MarkRead(ctx, carol, f.conv.ID)
		require.ErrorIs(t, err, models.ErrForbidden)
		_, err = f.log.MarkDelivered(ctx, carol, f.conv.ID, m1.ID)
		require.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("UnknownMessage", func(t *testing.T) {
		_, err := f.log.MarkDelivered(ctx, coach, f.conv.ID, "missing")
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestListSince(t *testing.T) {
	f := newFixture(t)
	f.log.PageSize = 3
	ctx := context.Background()

	var sent []models.Message
	for i := range 10 {
		m, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	require.Len(t, f.all(t, models.Cursor{}), 10)

	resumed := f.all(t, sent[4].Cursor())
	require.Len(t, resumed, 5)
	require.Equal(t, sent[5].ID, resumed[0].ID)
	require.Empty(t, f.all(t, sent[9].Cursor()))

	t.Run("StopsEarly", func(t *testing.T) {
		count := 0
		for _, err := range f.log.ListSince(ctx, tenant, f.conv.ID, models.Cursor{}) {
			require.NoError(t, err)
			count++
			if count == 4 {
				break
			}
		}
		require.Equal(t, 4, count)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		for _, err := range f.log.ListSince(ctx, tenant, "dm_x_y", models.Cursor{}) {
			require.ErrorIs(t, err, models.ErrNotFound)
		}
	})

	t.Run("Recent", func(t *testing.T) {
		recent, err := f.log.Recent(ctx, tenant, f.conv.ID, models.Cursor{}, 2)
		require.NoError(t, err)
		require.Equal(t, []string{sent[8].ID, sent[9].ID}, []string{recent[0].ID, recent[1].ID})

		older, err := f.log.Recent(ctx, tenant, f.conv.ID, recent[0].Cursor(), 2)
		require.NoError(t, err)
		require.Equal(t, []string{sent[6].ID, sent[7].ID}, []string{older[0].ID, older[1].ID})
	})

	t.Run("RecentLimitBeyondPageSize", func(t *testing.T) {
		recent, err := f.log.Recent(ctx, tenant, f.conv.ID, models.Cursor{}, 7)
		require.NoError(t, err)
		require.Len(t, recent, 7)
		require.Equal(t, sent[3].ID, recent[0].ID)

		recent, err = f.log.Recent(ctx, tenant, f.conv.ID, models.Cursor{}, 0)
		require.NoError(t, err)
		require.Len(t, recent, 3)

		recent, err = f.log.Recent(ctx, tenant, f.conv.ID, models.Cursor{}, MaxPageSize+1)
		require.NoError(t, err)
		require.Len(t, recent, 10)
	})
}

func TestEditDeleteReact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: "first"})
	require.NoError(t, err)
	last, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: "helo"})
	require.NoError(t, err)

	_, err = f.log.Edit(ctx, coach, f.conv.ID, last.ID, "hijack")
	require.ErrorIs(t, err, models.ErrForbidden)

	edited, err := f.log.Edit(ctx, alice, f.conv.ID, last.ID, "hello")
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.Equal(t, last.Timestamp, edited.Timestamp)
	require.Equal(t, "hello", f.conversation(t).LastMessage.Text)

	// Editing an older message leaves the preview alone.
	_, err = f.log.Edit(ctx, alice, f.conv.ID, first.ID, "first!")
	require.NoError(t, err)
	require.Equal(t, "hello", f.conversation(t).LastMessage.Text)

	reacted, err := f.log.React(ctx, coach, f.conv.ID, first.ID, "👍", true)
	require.NoError(t, err)
	require.Equal(t, []string{"coach"}, reacted.Reactions["👍"])
	reacted, err = f.log.React(ctx, alice, f.conv.ID, first.ID, "👍", true)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "coach"}, reacted.Reactions["👍"])
	reacted, err = f.log.React(ctx, coach, f.conv.ID, first.ID, "👍", false)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, reacted.Reactions["👍"])

	_, err = f.log.Delete(ctx, coach, f.conv.ID, last.ID)
	require.ErrorIs(t, err, models.ErrForbidden)

	unreadBefore := f.conversation(t).UnreadCount["coach"]
	deleted, err := f.log.Delete(ctx, alice, f.conv.ID, last.ID)
	require.NoError(t, err)
	require.True(t, deleted.Deleted)
	require.Equal(t, content.DeletedPlaceholder, deleted.Text)

	conv := f.conversation(t)
	require.Equal(t, content.DeletedPlaceholder, conv.LastMessage.Text)
	require.Equal(t, unreadBefore, conv.UnreadCount["coach"])

	_, err = f.log.Edit(ctx, alice, f.conv.ID, last.ID, "again")
	require.True(t, models.IsValidation(err))

	msgs := f.all(t, models.Cursor{})
	require.Len(t, msgs, 2)
	require.Equal(t, first.ID, msgs[0].ID)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.broker.Subscribe(feed.ConversationTopic(tenant, f.conv.ID))
	defer sub.Cancel()
	inbox := f.broker.Subscribe(feed.UserTopic(tenant, "coach"))
	defer inbox.Cancel()

	msg, err := f.log.Append(ctx, alice, f.conv.ID, models.Content{Text: "hello"})
	require.NoError(t, err)
	_, err = f.log.MarkRead(ctx, coach, f.conv.ID)
	require.NoError(t, err)

	next := func(s feed.Subscription) feed.Event {
		select {
		case ev := <-s.Events():
			return ev
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
			return feed.Event{}
		}
	}

	ev := next(sub).Payload.(models.MessageEvent)
	require.Equal(t, models.MessageAppended, ev.Kind)
	require.Equal(t, msg.ID, ev.Message.ID)

	ev = next(sub).Payload.(models.MessageEvent)
	require.Equal(t, models.MessageUpdated, ev.Kind)
	require.Equal(t, models.DeliveryRead, ev.Message.State)

	summary := next(inbox).Payload.(models.ConversationEvent)
	require.Equal(t, 1, summary.Conversation.UnreadCount["coach"])
	summary = next(inbox).Payload.(models.ConversationEvent)
	require.Equal(t, 0, summary.Conversation.UnreadCount["coach"])
}
