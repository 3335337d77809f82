package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"ptchat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketTenants = []byte("tenants")

	bucketUsers         = []byte("users")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketClocks        = []byte("clocks")
	bucketPresence      = []byte("presence")
	bucketDevices       = []byte("devices")
	bucketFiles         = []byte("files")
	bucketKV            = []byte("kv")

	tenantBuckets = [][]byte{
		bucketUsers,
		bucketConversations,
		bucketMessages,
		bucketMessageIndex,
		bucketClocks,
		bucketPresence,
		bucketDevices,
		bucketFiles,
		bucketKV,
	}
)

// Publisher receives events staged by a write transaction once it commits.
type Publisher interface {
	Publish(topic string, payload any)
}

// BboltStorage is the document store. Every document lives under a tenant
// bucket; a transaction never crosses tenants.
type BboltStorage struct {
	db        *bbolt.DB
	publisher Publisher
	now       func() time.Time

	// Serialises commit and publish so feed order equals commit order.
	writeMu sync.Mutex
}

func NewBboltStorage(path string, publisher Publisher) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTenants)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, publisher: publisher, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SetClock replaces the wall clock used for server timestamps.
func (s *BboltStorage) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the store's clock reading in Unix milliseconds.
func (s *BboltStorage) Now() int64 {
	return s.now().UnixMilli()
}

// Update runs fn in a single atomic write transaction scoped to tenantID.
// Events staged with Tx.Emit are published only after a successful commit
// and in commit order.
func (s *BboltStorage) Update(tenantID string, fn func(tx *Tx) error) error {
	if tenantID == "" {
		return errors.New("tenant is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var events []stagedEvent
	err := s.db.Update(func(btx *bbolt.Tx) error {
		root, err := btx.Bucket(bucketTenants).CreateBucketIfNotExists([]byte(tenantID))
		if err != nil {
			return fmt.Errorf("failed to create tenant bucket: %w", err)
		}
		for _, name := range tenantBuckets {
			if _, err := root.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		tx := &Tx{tenantID: tenantID, root: root, writable: true, now: s.now}
		if err := fn(tx); err != nil {
			return err
		}
		events = tx.events
		return nil
	})
	if err != nil {
		return err
	}

	if s.publisher != nil {
		for _, ev := range events {
			s.publisher.Publish(ev.topic, ev.payload)
		}
	}
	return nil
}

// View runs fn in a read-only transaction scoped to tenantID. Reads of a
// tenant that was never written see empty buckets.
func (s *BboltStorage) View(tenantID string, fn func(tx *Tx) error) error {
	if tenantID == "" {
		return errors.New("tenant is required")
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		root := btx.Bucket(bucketTenants).Bucket([]byte(tenantID))
		return fn(&Tx{tenantID: tenantID, root: root, now: s.now})
	})
}

type stagedEvent struct {
	topic   string
	payload any
}

// Tx is a tenant-scoped view of a bbolt transaction.
type Tx struct {
	tenantID string
	root     *bbolt.Bucket
	writable bool
	now      func() time.Time
	events   []stagedEvent
}

func (t *Tx) TenantID() string {
	return t.tenantID
}

// Emit stages an event for publication after commit. It is a no-op in
// read-only transactions.
func (t *Tx) Emit(topic string, payload any) {
	if !t.writable {
		return
	}
	t.events = append(t.events, stagedEvent{topic: topic, payload: payload})
}

func (t *Tx) bucket(name []byte) *bbolt.Bucket {
	if t.root == nil {
		return nil
	}
	return t.root.Bucket(name)
}

// NextTimestamp assigns a server timestamp for a new message in the
// conversation. The result is strictly greater than every timestamp
// previously assigned in that conversation, regardless of wall clock skew.
func (t *Tx) NextTimestamp(conversationID string) (int64, error) {
	if !t.writable {
		return 0, errors.New("timestamp requires a write transaction")
	}
	b := t.bucket(bucketClocks)
	key := []byte(conversationID)

	ts := t.now().UnixMilli()
	if prev := clockValue(b.Get(key)); ts <= prev {
		ts = prev + 1
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts))
	if err := b.Put(key, buf); err != nil {
		return 0, fmt.Errorf("failed to advance clock: %w", err)
	}
	return ts, nil
}

// UpsertUser stores the directory entry of a tenant member.
func (t *Tx) UpsertUser(id models.Identity) error {
	dbUser := &DBUser{
		ID:          id.UserID,
		DisplayName: id.DisplayName,
		PhotoURL:    id.PhotoURL,
		Role:        string(id.Role),
	}
	data, err := dbUser.MarshalBinary()
	if err != nil {
		return err
	}
	return t.bucket(bucketUsers).Put(dbUser.Key(), data)
}

func (t *Tx) User(userID string) (models.Identity, error) {
	b := t.bucket(bucketUsers)
	if b == nil {
		return models.Identity{}, models.ErrNotFound
	}
	data := b.Get([]byte(userID))
	if data == nil {
		return models.Identity{}, models.ErrNotFound
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return models.Identity{}, err
	}
	return models.Identity{
		TenantID:    t.tenantID,
		UserID:      dbUser.ID,
		DisplayName: dbUser.DisplayName,
		PhotoURL:    dbUser.PhotoURL,
		Role:        models.Role(dbUser.Role),
	}, nil
}

func (t *Tx) Conversation(id string) (models.Conversation, error) {
	b := t.bucket(bucketConversations)
	if b == nil {
		return models.Conversation{}, models.ErrNotFound
	}
	data := b.Get([]byte(id))
	if data == nil {
		return models.Conversation{}, models.ErrNotFound
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return dbConv.toModel(t.tenantID), nil
}

func (t *Tx) PutConversation(c models.Conversation) error {
	dbConv := conversationToDB(c)
	data, err := dbConv.MarshalBinary()
	if err != nil {
		return err
	}
	return t.bucket(bucketConversations).Put(dbConv.Key(), data)
}

func (t *Tx) ForEachConversation(fn func(models.Conversation) error) error {
	b := t.bucket(bucketConversations)
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(v); err != nil {
			return err
		}
		return fn(dbConv.toModel(t.tenantID))
	})
}

// PutMessage stores a message under its conversation, keyed by
// (timestamp, id) so that a cursor walk yields log order.
func (t *Tx) PutMessage(m models.Message) error {
	if m.ConversationID == "" {
		return errors.New("message missing conversationID")
	}

	msgs, err := t.bucket(bucketMessages).CreateBucketIfNotExists([]byte(m.ConversationID))
	if err != nil {
		return fmt.Errorf("failed to create conversation bucket: %w", err)
	}
	index, err := t.bucket(bucketMessageIndex).CreateBucketIfNotExists([]byte(m.ConversationID))
	if err != nil {
		return fmt.Errorf("failed to create index bucket: %w", err)
	}

	dbMessage := messageToDB(m)
	data, err := dbMessage.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := dbMessage.Key()
	if err := msgs.Put(key, data); err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}
	return index.Put([]byte(m.ID), key)
}

func (t *Tx) Message(conversationID, messageID string) (models.Message, error) {
	index := t.bucket(bucketMessageIndex)
	msgs := t.bucket(bucketMessages)
	if index == nil || msgs == nil {
		return models.Message{}, models.ErrNotFound
	}
	idx := index.Bucket([]byte(conversationID))
	chat := msgs.Bucket([]byte(conversationID))
	if idx == nil || chat == nil {
		return models.Message{}, models.ErrNotFound
	}
	key := idx.Get([]byte(messageID))
	if key == nil {
		return models.Message{}, models.ErrNotFound
	}
	data := chat.Get(key)
	if data == nil {
		return models.Message{}, models.ErrNotFound
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return models.Message{}, err
	}
	return dbMsg.toModel(), nil
}

// ScanMessages walks the conversation log in order, starting strictly after
// the cursor. fn returns false to stop the walk.
func (t *Tx) ScanMessages(conversationID string, after models.Cursor, fn func(models.Message) (bool, error)) error {
	msgs := t.bucket(bucketMessages)
	if msgs == nil {
		return nil
	}
	chat := msgs.Bucket([]byte(conversationID))
	if chat == nil {
		return nil // No messages for this conversation
	}

	c := chat.Cursor()
	start := cursorKey(after)

	k, v := c.Seek(start)
	if k != nil && !after.IsZero() && bytes.Equal(k, start) {
		k, v = c.Next()
	}
	for ; k != nil; k, v = c.Next() {
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		more, err := fn(dbMsg.toModel())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// LastMessage returns the latest message of a conversation.
func (t *Tx) LastMessage(conversationID string) (models.Message, error) {
	msgs := t.bucket(bucketMessages)
	if msgs == nil {
		return models.Message{}, models.ErrNotFound
	}
	chat := msgs.Bucket([]byte(conversationID))
	if chat == nil {
		return models.Message{}, models.ErrNotFound
	}
	k, v := chat.Cursor().Last()
	if k == nil {
		return models.Message{}, models.ErrNotFound
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(v); err != nil {
		return models.Message{}, err
	}
	return dbMsg.toModel(), nil
}

// RecentMessages returns up to n messages strictly before the cursor, in
// log order. A zero cursor means the end of the log.
func (t *Tx) RecentMessages(conversationID string, before models.Cursor, n int) ([]models.Message, error) {
	msgs := t.bucket(bucketMessages)
	if msgs == nil {
		return nil, nil
	}
	chat := msgs.Bucket([]byte(conversationID))
	if chat == nil {
		return nil, nil
	}

	c := chat.Cursor()
	var k, v []byte
	if before.IsZero() {
		k, v = c.Last()
	} else {
		// Seek lands on the first key >= cursor; everything we want is behind it.
		k, _ = c.Seek(cursorKey(before))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}

	var out []models.Message
	for ; k != nil && len(out) < n; k, v = c.Prev() {
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return nil, err
		}
		out = append(out, dbMsg.toModel())
	}
	slices.Reverse(out)
	return out, nil
}

func cursorKey(c models.Cursor) []byte {
	key := make([]byte, 8, 8+len(c.ID))
	binary.BigEndian.PutUint64(key, uint64(c.Timestamp))
	return append(key, c.ID...)
}

func (t *Tx) Presence(userID string) (models.Presence, error) {
	b := t.bucket(bucketPresence)
	if b == nil {
		return models.Presence{}, models.ErrNotFound
	}
	data := b.Get([]byte(userID))
	if data == nil {
		return models.Presence{}, models.ErrNotFound
	}
	var dbPresence DBPresence
	if err := dbPresence.UnmarshalBinary(data); err != nil {
		return models.Presence{}, err
	}
	return models.Presence{
		UserID:   dbPresence.UserID,
		Online:   dbPresence.Online,
		LastSeen: dbPresence.LastSeen,
	}, nil
}

func (t *Tx) PutPresence(p models.Presence) error {
	dbPresence := &DBPresence{UserID: p.UserID, Online: p.Online, LastSeen: p.LastSeen}
	data, err := dbPresence.MarshalBinary()
	if err != nil {
		return err
	}
	return t.bucket(bucketPresence).Put(dbPresence.Key(), data)
}

func (t *Tx) Device(token string) (models.DeviceToken, error) {
	b := t.bucket(bucketDevices)
	if b == nil {
		return models.DeviceToken{}, models.ErrNotFound
	}
	data := b.Get([]byte(token))
	if data == nil {
		return models.DeviceToken{}, models.ErrNotFound
	}
	var dbDevice DBDevice
	if err := dbDevice.UnmarshalBinary(data); err != nil {
		return models.DeviceToken{}, err
	}
	return dbDevice.toModel(), nil
}

func (t *Tx) PutDevice(d models.DeviceToken) error {
	dbDevice := deviceToDB(d)
	data, err := dbDevice.MarshalBinary()
	if err != nil {
		return err
	}
	return t.bucket(bucketDevices).Put(dbDevice.Key(), data)
}

// ForEachDevice iterates the tokens registered by userID.
func (t *Tx) ForEachDevice(userID string, fn func(models.DeviceToken) error) error {
	b := t.bucket(bucketDevices)
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		var dbDevice DBDevice
		if err := dbDevice.UnmarshalBinary(v); err != nil {
			return err
		}
		if dbDevice.UserID != userID {
			return nil
		}
		return fn(dbDevice.toModel())
	})
}
