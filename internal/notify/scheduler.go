// Package notify derives push notifications from chat activity and
// calendar events.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ptchat/internal/content"
	"ptchat/internal/metrics"
	"ptchat/internal/models"
)

const (
	DefaultReminderLead = 30 * time.Minute
	ReminderTag         = "upcoming-call"
	reminderTitle       = "📅 Promemoria Appuntamento"
	defaultSenderName   = "Nuovo messaggio"
	dispatchTimeout     = 30 * time.Second
)

// StatusReader reports presence; see presence.Tracker.
type StatusReader interface {
	GetStatus(ctx context.Context, tenantID, userID string) (models.Presence, error)
}

type timer interface {
	Stop() bool
}

type Scheduler struct {
	devices    *Devices
	presence   StatusReader
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	lead       time.Duration

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu        sync.Mutex
	reminders map[string]*reminder
	gen       uint64
}

type reminder struct {
	event models.Event
	timer timer
	gen   uint64
}

func NewScheduler(devices *Devices, presence StatusReader, dispatcher Dispatcher, metrics *metrics.Metrics, lead time.Duration) *Scheduler {
	if lead <= 0 {
		lead = DefaultReminderLead
	}
	return &Scheduler{
		devices:    devices,
		presence:   presence,
		dispatcher: dispatcher,
		metrics:    metrics,
		lead:       lead,
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		reminders: make(map[string]*reminder),
	}
}

// OnNewMessage pushes msg to the other participant unless they are online
// right now, in which case they see it live.
func (s *Scheduler) OnNewMessage(ctx context.Context, msg models.Message, conv models.Conversation) error {
	recipient := conv.Other(msg.SenderID)
	if recipient == "" {
		return nil
	}

	status, err := s.presence.GetStatus(ctx, conv.TenantID, recipient)
	if err != nil {
		slog.Warn("presence unavailable, pushing anyway", "tenant", conv.TenantID, "user_id", recipient, "error", err)
	} else if status.Online {
		s.metrics.Push(metrics.PushSuppressed)
		return nil
	}

	title := msg.SenderName
	if title == "" {
		title = defaultSenderName
	}
	payload := models.PushPayload{
		Title: title,
		Body:  content.Preview(msg),
		Icon:  msg.SenderPhoto,
		Tag:   "chat-" + conv.ID,
		Data: map[string]any{
			"url":            "/chat?id=" + conv.ID,
			"conversationId": conv.ID,
			"messageId":      msg.ID,
		},
	}
	outcome, err := s.push(ctx, conv.TenantID, payload, []string{recipient})
	s.metrics.Push(outcome)
	return err
}

// ScheduleEventReminder arms a reminder that fires lead before the event
// starts, replacing any pending reminder of the same event. If that moment
// has already passed the reminder is dropped, never fired late. It reports
// whether a reminder is now pending.
//
// Reminders live in memory only and are lost on restart.
func (s *Scheduler) ScheduleEventReminder(event models.Event) (bool, error) {
	if event.ID == "" {
		return false, &models.ValidationError{Field: "id", Reason: "required"}
	}
	if len(event.UserIDs) == 0 {
		return false, &models.ValidationError{Field: "userIds", Reason: "at least one attendee is required"}
	}

	key := reminderKey(event.TenantID, event.ID)
	fireAt := event.StartTime.Add(-s.lead)
	delay := fireAt.Sub(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(key)
	if delay <= 0 {
		s.metrics.Reminder(metrics.ReminderDropped)
		slog.Debug("reminder in the past, dropped", "tenant", event.TenantID, "event_id", event.ID)
		return false, nil
	}

	s.gen++
	gen := s.gen
	s.reminders[key] = &reminder{
		event: event,
		gen:   gen,
		timer: s.afterFunc(delay, func() { s.fire(key, gen) }),
	}
	s.metrics.Reminder(metrics.ReminderScheduled)
	return true, nil
}

// CancelReminder removes a pending reminder. It reports whether one existed.
func (s *Scheduler) CancelReminder(tenantID, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(reminderKey(tenantID, eventID))
}

// Pending returns how many reminders are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reminders)
}

// Stop cancels every pending reminder.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.reminders {
		s.cancelLocked(key)
	}
}

func (s *Scheduler) cancelLocked(key string) bool {
	r, ok := s.reminders[key]
	if !ok {
		return false
	}
	r.timer.Stop()
	delete(s.reminders, key)
	return true
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	r, ok := s.reminders[key]
	if !ok || r.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.reminders, key)
	s.mu.Unlock()

	ev := r.event
	payload := models.PushPayload{
		Title: reminderTitle,
		Body:  fmt.Sprintf("%s alle %s", content.Truncate(ev.Title, 80), ev.StartTime.Format("15:04")),
		Tag:   ReminderTag,
		Data: map[string]any{
			"url":     "/calendar",
			"eventId": ev.ID,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if _, err := s.push(ctx, ev.TenantID, payload, ev.UserIDs); err != nil {
		slog.Warn("reminder push failed", "tenant", ev.TenantID, "event_id", ev.ID, "error", err)
		s.metrics.Reminder(metrics.ReminderFailed)
		return
	}
	s.metrics.Reminder(metrics.ReminderFired)
}

// push dispatches payload to the enabled devices of users and disables the
// tokens the transport rejected. It returns the push outcome for metrics.
func (s *Scheduler) push(ctx context.Context, tenantID string, payload models.PushPayload, users []string) (string, error) {
	var targets []models.DeviceToken
	for _, userID := range users {
		devs, err := s.devices.List(ctx, tenantID, userID, true)
		if err != nil {
			return metrics.PushFailed, fmt.Errorf("failed to list devices of %s: %w", userID, err)
		}
		targets = append(targets, devs...)
	}
	if len(targets) == 0 {
		return metrics.PushNoTargets, nil
	}

	res, err := s.dispatcher.Dispatch(ctx, payload, targets)
	for _, token := range res.Invalid {
		if derr := s.devices.Disable(ctx, tenantID, token); derr != nil {
			slog.Warn("failed to disable device token", "tenant", tenantID, "error", derr)
		}
	}
	if err != nil {
		return metrics.PushFailed, fmt.Errorf("dispatch failed: %w", err)
	}
	if res.Delivered == 0 {
		return metrics.PushNoTargets, nil
	}
	return metrics.PushSent, nil
}

func reminderKey(tenantID, eventID string) string {
	return tenantID + "/" + eventID
}
