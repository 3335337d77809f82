package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ptchat/internal/models"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// KeyValueStore is the persistence an Outbox needs. storage.KVStore and
// MemoryKV implement it.
type KeyValueStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	// Scan visits keys with prefix in ascending order.
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// Pending is a send waiting in the outbox.
type Pending struct {
	ID             string         `msgpack:"id"`
	ConversationID string         `msgpack:"conversationId"`
	Content        models.Content `msgpack:"content"`
	QueuedAt       int64          `msgpack:"queuedAt"`

	key string
}

// Sender delivers one pending send.
type Sender func(ctx context.Context, p Pending) error

// Outbox queues sends in order and delivers them when asked. Items that can
// never succeed are discarded, anything else stays queued for the next Flush.
type Outbox struct {
	kv  KeyValueStore
	now func() time.Time

	mu   sync.Mutex
	last int64
}

func NewOutbox(kv KeyValueStore) *Outbox {
	return &Outbox{kv: kv, now: time.Now}
}

func (o *Outbox) Enqueue(conversationID string, c models.Content) (Pending, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queued := o.now().UnixNano()
	if queued <= o.last {
		queued = o.last + 1
	}
	o.last = queued

	p := Pending{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        c,
		QueuedAt:       queued,
	}
	p.key = fmt.Sprintf("%020d-%s", queued, p.ID)

	data, err := msgpack.Marshal(&p)
	if err != nil {
		return Pending{}, fmt.Errorf("failed to encode pending send: %w", err)
	}
	if err := o.kv.Put(p.key, data); err != nil {
		return Pending{}, fmt.Errorf("failed to queue send: %w", err)
	}
	return p, nil
}

// Pending lists queued sends, oldest first.
func (o *Outbox) Pending() ([]Pending, error) {
	var out []Pending
	err := o.kv.Scan("", func(key string, value []byte) error {
		var p Pending
		if err := msgpack.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("failed to decode pending send %s: %w", key, err)
		}
		p.key = key
		out = append(out, p)
		return nil
	})
	return out, err
}

// Flush sends queued items in order. It stops at the first transient
// failure so later sends never overtake an earlier one, and returns how
// many items left the queue.
func (o *Outbox) Flush(ctx context.Context, send Sender) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending, err := o.Pending()
	if err != nil {
		return 0, err
	}

	done := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := send(ctx, p); err != nil {
			if !Permanent(err) {
				return done, err
			}
			slog.Warn("discarding invalid pending send", "conversation_id", p.ConversationID, "error", err)
		}
		if err := o.kv.Delete(p.key); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Permanent reports whether retrying a send that failed with err is
// pointless: the content was rejected or the sender lost access.
func Permanent(err error) bool {
	return models.IsValidation(err) || errors.Is(err, models.ErrForbidden) || errors.Is(err, models.ErrNotFound)
}

// MemoryKV is an in-process KeyValueStore.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Scan(prefix string, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.Unlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}
