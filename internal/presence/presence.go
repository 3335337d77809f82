// Package presence tracks online/offline state from client heartbeats.
// The stored online flag is only a hint: a record whose last heartbeat is
// older than twice the heartbeat interval is reported offline.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ptchat/internal/content"
	"ptchat/internal/feed"
	"ptchat/internal/models"

	"github.com/c-pro/geche"
)

const DefaultInterval = 30 * time.Second

// Store persists one presence record per user.
type Store interface {
	Put(ctx context.Context, tenantID string, p models.Presence) error
	// Get returns models.ErrNotFound for users that never sent a heartbeat.
	Get(ctx context.Context, tenantID, userID string) (models.Presence, error)
}

type Tracker struct {
	store     Store
	publisher feed.Publisher
	interval  time.Duration
	now       func() time.Time

	// Recently read or written records, keyed by tenant and user.
	cache geche.Geche[string, models.Presence]
}

// NewTracker expects clients to heartbeat every interval. The cache is
// cleaned up until ctx is done.
func NewTracker(ctx context.Context, store Store, publisher feed.Publisher, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		store:     store,
		publisher: publisher,
		interval:  interval,
		now:       time.Now,
		cache:     geche.NewMapTTLCache[string, models.Presence](ctx, interval/2, interval),
	}
}

func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) Interval() time.Duration {
	return t.interval
}

// Heartbeat marks the caller online as of now.
func (t *Tracker) Heartbeat(ctx context.Context, id models.Identity) error {
	return t.set(ctx, id, true)
}

// GoOffline marks the caller offline. Clients send it when they go to the
// background; it may never arrive, which staleness covers.
func (t *Tracker) GoOffline(ctx context.Context, id models.Identity) error {
	return t.set(ctx, id, false)
}

func (t *Tracker) set(ctx context.Context, id models.Identity, online bool) error {
	if err := content.ValidateID(id.UserID); err != nil {
		return &models.ValidationError{Field: "userId", Reason: err.Error()}
	}

	prev, err := t.GetStatus(ctx, id.TenantID, id.UserID)
	if err != nil {
		return err
	}

	p := models.Presence{UserID: id.UserID, Online: online, LastSeen: t.now().UnixMilli()}
	if err := t.store.Put(ctx, id.TenantID, p); err != nil {
		return err
	}
	t.cache.Set(cacheKey(id.TenantID, id.UserID), p)

	if prev.Online != online && t.publisher != nil {
		t.publisher.Publish(feed.PresenceTopic(id.TenantID), p)
	}
	return nil
}

// GetStatus returns the user's liveness. Users without a record, and
// records not refreshed within two heartbeat intervals, are offline.
func (t *Tracker) GetStatus(ctx context.Context, tenantID, userID string) (models.Presence, error) {
	key := cacheKey(tenantID, userID)
	p, err := t.cache.Get(key)
	if err != nil {
		p, err = t.store.Get(ctx, tenantID, userID)
		if errors.Is(err, models.ErrNotFound) {
			return models.Presence{UserID: userID}, nil
		}
		if err != nil {
			return models.Presence{}, err
		}
		t.cache.Set(key, p)
	}

	if p.Online && t.stale(p) {
		p.Online = false
	}
	return p, nil
}

// ListStatuses returns the status of each user, in order. Lookup failures
// degrade to offline.
func (t *Tracker) ListStatuses(ctx context.Context, tenantID string, userIDs []string) []models.Presence {
	out := make([]models.Presence, 0, len(userIDs))
	for _, userID := range userIDs {
		p, err := t.GetStatus(ctx, tenantID, userID)
		if err != nil {
			slog.Warn("presence lookup failed", "tenant", tenantID, "user_id", userID, "error", err)
			p = models.Presence{UserID: userID}
		}
		out = append(out, p)
	}
	return out
}

func (t *Tracker) stale(p models.Presence) bool {
	age := t.now().Sub(time.UnixMilli(p.LastSeen))
	return age > 2*t.interval
}

func cacheKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}
