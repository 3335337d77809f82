package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"ptchat/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

// Result reports what a dispatch achieved. Invalid lists tokens the
// transport will never accept again.
type Result struct {
	Delivered int
	Invalid   []string
}

// Dispatcher delivers one payload to a set of device targets. Platform
// specifics live behind it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload models.PushPayload, targets []models.DeviceToken) (Result, error)
}

// LogDispatcher only logs. It is used when no push transport is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, payload models.PushPayload, targets []models.DeviceToken) (Result, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range targets {
		logger.Info("push", "user_id", t.UserID, "platform", t.Platform, "tag", payload.Tag, "title", payload.Title)
	}
	return Result{Delivered: len(targets)}, nil
}

const DefaultPushTTL = 60 * 60

// WebPushDispatcher sends VAPID-signed Web Push messages. A token is the
// JSON-encoded PushSubscription the browser handed out.
type WebPushDispatcher struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             int
	HTTPClient      webpush.HTTPClient
}

func (d *WebPushDispatcher) Dispatch(ctx context.Context, payload models.PushPayload, targets []models.DeviceToken) (Result, error) {
	var res Result
	data, err := json.Marshal(payload)
	if err != nil {
		return res, fmt.Errorf("failed to marshal push payload: %w", err)
	}

	ttl := d.TTL
	if ttl <= 0 {
		ttl = DefaultPushTTL
	}
	opts := &webpush.Options{
		Subscriber:      strings.TrimPrefix(d.Subscriber, "mailto:"),
		VAPIDPublicKey:  d.VAPIDPublicKey,
		VAPIDPrivateKey: d.VAPIDPrivateKey,
		TTL:             ttl,
		Topic:           topic(payload.Tag),
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      d.HTTPClient,
	}

	var errs []error
	for _, t := range targets {
		var sub webpush.Subscription
		if err := json.Unmarshal([]byte(t.Token), &sub); err != nil || sub.Endpoint == "" {
			res.Invalid = append(res.Invalid, t.Token)
			continue
		}

		resp, err := webpush.SendNotificationWithContext(ctx, data, &sub, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", t.UserID, err))
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			res.Invalid = append(res.Invalid, t.Token)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			res.Delivered++
		default:
			errs = append(errs, fmt.Errorf("push to %s: unexpected status %d", t.UserID, resp.StatusCode))
		}
	}
	return res, errors.Join(errs...)
}

// topic turns a tag into a Web Push Topic header, which replaces pending
// messages with the same topic. Topics are limited to 32 URL-safe chars.
func topic(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if b.Len() == 32 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
