package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"ptchat/internal/models"
	"ptchat/internal/storage"
)

// Devices is the registry of push targets. Tokens are never deleted; an
// invalid or unregistered token is disabled and re-enabled on the next
// registration.
type Devices struct {
	storage *storage.BboltStorage
}

func NewDevices(storage *storage.BboltStorage) *Devices {
	return &Devices{storage: storage}
}

// Register upserts the caller's token. A token seen before under another
// user moves to the caller, since it identifies the install, not the person.
func (d *Devices) Register(ctx context.Context, id models.Identity, token string, platform models.Platform, isPWA bool) (models.DeviceToken, error) {
	if err := ctx.Err(); err != nil {
		return models.DeviceToken{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return models.DeviceToken{}, &models.ValidationError{Field: "token", Reason: "required"}
	}
	if !platform.Valid() {
		return models.DeviceToken{}, &models.ValidationError{Field: "platform", Reason: "must be ios or android-web"}
	}

	var dev models.DeviceToken
	err := d.storage.Update(id.TenantID, func(tx *storage.Tx) error {
		now := d.storage.Now()
		existing, err := tx.Device(token)
		switch {
		case err == nil:
			dev = existing
		case errors.Is(err, models.ErrNotFound):
			dev = models.DeviceToken{Token: token, CreatedAt: now}
		default:
			return err
		}
		dev.UserID = id.UserID
		dev.Platform = platform
		dev.IsPWA = isPWA
		dev.Enabled = true
		dev.UpdatedAt = now
		return tx.PutDevice(dev)
	})
	return dev, err
}

// Unregister disables one of the caller's tokens, e.g. on logout.
func (d *Devices) Unregister(ctx context.Context, id models.Identity, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.storage.Update(id.TenantID, func(tx *storage.Tx) error {
		dev, err := tx.Device(token)
		if err != nil {
			return err
		}
		if dev.UserID != id.UserID {
			return models.ErrForbidden
		}
		return d.disable(tx, dev)
	})
}

// Disable turns off a token the push transport rejected.
func (d *Devices) Disable(ctx context.Context, tenantID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.storage.Update(tenantID, func(tx *storage.Tx) error {
		dev, err := tx.Device(token)
		if err != nil {
			return err
		}
		slog.Info("disabling device token", "tenant", tenantID, "user_id", dev.UserID, "platform", dev.Platform)
		return d.disable(tx, dev)
	})
}

func (d *Devices) disable(tx *storage.Tx, dev models.DeviceToken) error {
	if !dev.Enabled {
		return nil
	}
	dev.Enabled = false
	dev.UpdatedAt = d.storage.Now()
	return tx.PutDevice(dev)
}

// List returns the user's tokens; with enabledOnly, only push targets.
func (d *Devices) List(ctx context.Context, tenantID, userID string, enabledOnly bool) ([]models.DeviceToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.DeviceToken
	err := d.storage.View(tenantID, func(tx *storage.Tx) error {
		return tx.ForEachDevice(userID, func(dev models.DeviceToken) error {
			if dev.Enabled || !enabledOnly {
				out = append(out, dev)
			}
			return nil
		})
	})
	return out, err
}
