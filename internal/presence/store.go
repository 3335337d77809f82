package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ptchat/internal/models"
	"ptchat/internal/storage"

	"github.com/redis/go-redis/v9"
)

type BboltStore struct {
	storage *storage.BboltStorage
}

func NewBboltStore(storage *storage.BboltStorage) *BboltStore {
	return &BboltStore{storage: storage}
}

func (s *BboltStore) Put(_ context.Context, tenantID string, p models.Presence) error {
	return s.storage.Update(tenantID, func(tx *storage.Tx) error {
		return tx.PutPresence(p)
	})
}

func (s *BboltStore) Get(_ context.Context, tenantID, userID string) (models.Presence, error) {
	var p models.Presence
	err := s.storage.View(tenantID, func(tx *storage.Tx) error {
		var err error
		p, err = tx.Presence(userID)
		return err
	})
	return p, err
}

// DefaultRetention is how long RedisStore keeps a record after the last
// write, so last-seen survives long absences.
const DefaultRetention = 30 * 24 * time.Hour

// RedisStore keeps presence in Redis so that several server instances share
// it.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

type redisRecord struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"last_seen"`
}

func (s *RedisStore) Put(ctx context.Context, tenantID string, p models.Presence) error {
	data, err := json.Marshal(redisRecord{Online: p.Online, LastSeen: p.LastSeen})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, presenceKey(tenantID, p.UserID), data, s.retention).Err()
}

func (s *RedisStore) Get(ctx context.Context, tenantID, userID string) (models.Presence, error) {
	value, err := s.client.Get(ctx, presenceKey(tenantID, userID)).Result()
	if err == redis.Nil {
		return models.Presence{}, models.ErrNotFound
	}
	if err != nil {
		return models.Presence{}, err
	}
	var record redisRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return models.Presence{}, fmt.Errorf("failed to decode presence: %w", err)
	}
	return models.Presence{UserID: userID, Online: record.Online, LastSeen: record.LastSeen}, nil
}

func presenceKey(tenantID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", tenantID, userID)
}
