package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ptchat/internal/attachment"
	"ptchat/internal/content"
	"ptchat/internal/feed"
	"ptchat/internal/filestore"
	"ptchat/internal/messagelog"
	"ptchat/internal/models"
	"ptchat/internal/registry"
	"ptchat/internal/storage"
	"ptchat/internal/typing"

	"github.com/stretchr/testify/require"
)

const tenant = "t1"

var (
	coach = models.Identity{TenantID: tenant, UserID: "coach", DisplayName: "Coach", Role: models.RoleCoach}
	alice = models.Identity{TenantID: tenant, UserID: "alice", DisplayName: "Alice", Role: models.RoleClient}
	carol = models.Identity{TenantID: tenant, UserID: "carol", DisplayName: "Carol", Role: models.RoleClient}

	pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52}
)

type notification struct {
	msg  models.Message
	conv models.Conversation
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *mockNotifier) OnNewMessage(_ context.Context, msg models.Message, conv models.Conversation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{msg: msg, conv: conv})
	return n.err
}

func (n *mockNotifier) notifications() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type countingStore struct {
	filestore.ObjectStore
	mu    sync.Mutex
	saves int
	fail  bool
}

func (s *countingStore) Save(ctx context.Context, r io.Reader, key string) error {
	s.mu.Lock()
	s.saves++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("object store offline")
	}
	return s.ObjectStore.Save(ctx, r, key)
}

type fixture struct {
	svc      *Service
	log      *messagelog.Log
	typing   *typing.Coordinator
	notifier *mockNotifier
	objects  *countingStore
	conv     models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := feed.NewBroker(256)
	t.Cleanup(broker.Close)

	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"), broker)
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

	local, err := filestore.NewLocalFileStore(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	objects := &countingStore{ObjectStore: local}

	reg := registry.New(db)
	log := messagelog.New(db, reg, nil)
	coordinator := typing.New(broker, time.Minute)
	t.Cleanup(coordinator.Close)
	notifier := &mockNotifier{}

	svc := New(Config{
		Registry:    reg,
		Log:         log,
		Attachments: attachment.New(objects, db, attachment.DefaultLimits()),
		Typing:      coordinator,
		Notifier:    notifier,
	})

	conv, err := svc.StartConversation(context.Background(), alice, "coach")
	require.NoError(t, err)

	return &fixture{svc: svc, log: log, typing: coordinator, notifier: notifier, objects: objects, conv: conv}
}

func TestService_Send(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetTyping(ctx, alice, f.conv.ID, true))
	require.Equal(t, []string{"alice"}, f.typing.Typing(tenant, f.conv.ID))

	msg, err := f.svc.Send(ctx, alice, f.conv.ID, models.Content{Text: "ciao coach"})
	require.NoError(t, err)
	require.Equal(t, "alice", msg.SenderID)
	require.Empty(t, f.typing.Typing(tenant, f.conv.ID))

	f.svc.Wait()
	sent := f.notifier.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, msg.ID, sent[0].msg.ID)
	// The notifier sees the summary as committed with the message.
	require.Equal(t, 1, sent[0].conv.UnreadCount["coach"])
	require.Equal(t, "ciao coach", sent[0].conv.LastMessage.Text)
}

func TestService_SendNotifyFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("push service down")

	_, err := f.svc.Send(context.Background(), coach, f.conv.ID, models.Content{Text: "hello"})
	require.NoError(t, err)
	f.svc.Wait()
	require.Len(t, f.notifier.notifications(), 1)
}

func TestService_SendRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), carol, f.conv.ID, models.Content{Text: "hi"})
	require.True(t, models.IsValidation(err))

	f.svc.Wait()
	require.Empty(t, f.notifier.notifications())
}

func TestService_SendAttachment(t *testing.T) {
	ctx := context.Background()

	t.Run("UploadThenAppend", func(t *testing.T) {
		f := newFixture(t)
		msg, err := f.svc.SendAttachment(ctx, alice, f.conv.ID, attachment.Blob{Name: "squat.png", Data: bytes.NewReader(pngHeader)}, models.AttachmentImage, "form check")
		require.NoError(t, err)
		require.Equal(t, models.MessageKindImage, msg.Kind)
		require.NotNil(t, msg.Attachment)
		require.Equal(t, "image/png", msg.Attachment.MimeType)
		require.Equal(t, "form check", msg.Text)

		conv, err := f.svc.Conversation(ctx, coach, f.conv.ID)
		require.NoError(t, err)
		require.Equal(t, content.ImagePlaceholder, conv.LastMessage.Text)
	})

	t.Run("UploadFailureLeavesLogUntouched", func(t *testing.T) {
		f := newFixture(t)
		f.objects.fail = true

		_, err := f.svc.SendAttachment(ctx, alice, f.conv.ID, attachment.Blob{Name: "squat.png", Data: bytes.NewReader(pngHeader)}, models.AttachmentImage, "")
		require.True(t, models.IsUpload(err))

		recent, err := f.log.Recent(ctx, tenant, f.conv.ID, models.Cursor{}, 10)
		require.NoError(t, err)
		require.Empty(t, recent)
	})

	t.Run("NonParticipantUploadsNothing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SendAttachment(ctx, carol, f.conv.ID, attachment.Blob{Name: "x.png", Data: bytes.NewReader(pngHeader)}, models.AttachmentImage, "")
		require.True(t, models.IsValidation(err))
		require.Zero(t, f.objects.saves)
	})
}

func TestService_ReadAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := f.svc.Send(ctx, coach, f.conv.ID, models.Content{Text: text})
		require.NoError(t, err)
	}

	convs, err := f.svc.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, 2, convs[0].UnreadCount["alice"])

	n, err := f.svc.Read(ctx, alice, f.conv.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	convs, err = f.svc.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Zero(t, convs[0].UnreadCount["alice"])
	f.svc.Wait()
}

func TestService_Access(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Conversation(ctx, carol, f.conv.ID)
	require.ErrorIs(t, err, models.ErrForbidden)

	err = f.svc.SetTyping(ctx, carol, f.conv.ID, true)
	require.ErrorIs(t, err, models.ErrForbidden)
	require.Empty(t, f.typing.Typing(tenant, f.conv.ID))

	_, err = f.svc.Conversation(ctx, alice, "dm_nobody_x")
	require.ErrorIs(t, err, models.ErrNotFound)
}
