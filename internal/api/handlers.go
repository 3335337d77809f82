package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ptchat/internal/attachment"
	"ptchat/internal/chat"
	"ptchat/internal/identity"
	"ptchat/internal/messagelog"
	"ptchat/internal/models"
	"ptchat/internal/notify"
)

type sessionStore interface {
	Resolve(token string) (models.Identity, error)
	Revoke(token string) error
}

type API struct {
	sessions  sessionStore
	chat      *chat.Service
	devices   *notify.Devices
	scheduler *notify.Scheduler
}

func New(sessions sessionStore, chat *chat.Service, devices *notify.Devices, scheduler *notify.Scheduler) *API {
	return &API{sessions: sessions, chat: chat, devices: devices, scheduler: scheduler}
}

type identityKey struct{}

func (a *API) getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// RequireAuth resolves the bearer token and stores the caller identity in
// the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.sessions.Resolve(a.getToken(r))
		if err != nil {
			writeError(w, identity.ErrUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	}
}

func caller(r *http.Request) models.Identity {
	id, _ := r.Context().Value(identityKey{}).(models.Identity)
	return id
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	_ = a.sessions.Revoke(a.getToken(r))
	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, caller(r))
}

type startConversationRequest struct {
	PeerID string `json:"peerId"`
}

func (a *API) StartConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := a.chat.StartConversation(r.Context(), caller(r), req.PeerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := a.chat.Conversations(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type messagesResponse struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// MessagesHandler pages through a conversation. With ?after= it returns the
// messages following the cursor and nextCursor continues forward. Otherwise
// it returns the latest ones, or those before ?before=, and nextCursor is
// the oldest returned message, to be passed as ?before= for the page before.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	convID := r.PathValue("id")
	if _, err := a.chat.Conversation(r.Context(), id, convID); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit := messagelog.DefaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > messagelog.MaxPageSize {
			writeError(w, &models.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", messagelog.MaxPageSize)})
			return
		}
		limit = n
	}

	resp := messagesResponse{Messages: []models.Message{}}
	if after := q.Get("after"); after != "" {
		cursor, err := models.ParseCursor(after)
		if err != nil {
			writeError(w, err)
			return
		}
		for m, err := range a.chat.Log().ListSince(r.Context(), id.TenantID, convID, cursor) {
			if err != nil {
				writeError(w, err)
				return
			}
			resp.Messages = append(resp.Messages, m)
			if len(resp.Messages) == limit {
				break
			}
		}
		if n := len(resp.Messages); n > 0 {
			resp.NextCursor = resp.Messages[n-1].Cursor().String()
		} else {
			resp.NextCursor = after
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	before, err := models.ParseCursor(q.Get("before"))
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := a.chat.Log().Recent(r.Context(), id.TenantID, convID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(msgs) > 0 {
		resp.Messages = msgs
		resp.NextCursor = msgs[0].Cursor().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	var c models.Content
	if !decode(w, r, &c) {
		return
	}
	msg, err := a.chat.Send(r.Context(), caller(r), r.PathValue("id"), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// AttachmentHandler takes the raw file as the request body; kind, name,
// caption and duration (seconds, voice only) come as query parameters.
func (a *API) AttachmentHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	blob := attachment.Blob{Name: q.Get("name"), Data: r.Body}
	if v := q.Get("duration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, &models.ValidationError{Field: "duration", Reason: "not a number"})
			return
		}
		blob.DurationSeconds = d
	}

	msg, err := a.chat.SendAttachment(r.Context(), caller(r), r.PathValue("id"), blob, models.AttachmentKind(q.Get("kind")), q.Get("caption"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.chat.Read(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (a *API) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Archived *bool `json:"archived"`
	}{}
	if !decode(w, r, &req) {
		return
	}
	archived := req.Archived == nil || *req.Archived

	id := caller(r)
	conv, err := a.chat.Registry().Archive(r.Context(), id.TenantID, r.PathValue("id"), id.UserID, archived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) TypingHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		IsTyping bool `json:"isTyping"`
	}{}
	if !decode(w, r, &req) {
		return
	}
	if err := a.chat.SetTyping(r.Context(), caller(r), r.PathValue("id"), req.IsTyping); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) DeliveredHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := a.chat.Log().MarkDelivered(r.Context(), caller(r), r.PathValue("conversationId"), r.PathValue("messageId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) EditHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Text string `json:"text"`
	}{}
	if !decode(w, r, &req) {
		return
	}
	msg, err := a.chat.Log().Edit(r.Context(), caller(r), r.PathValue("conversationId"), r.PathValue("messageId"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := a.chat.Log().Delete(r.Context(), caller(r), r.PathValue("conversationId"), r.PathValue("messageId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) ReactHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Emoji string `json:"emoji"`
		On    bool   `json:"on"`
	}{}
	if !decode(w, r, &req) {
		return
	}
	msg, err := a.chat.Log().React(r.Context(), caller(r), r.PathValue("conversationId"), r.PathValue("messageId"), req.Emoji, req.On)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.chat.Presence().Heartbeat(r.Context(), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) OfflineHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.chat.Presence().GoOffline(r.Context(), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, &models.ValidationError{Field: "ids", Reason: "required"})
		return
	}
	writeJSON(w, http.StatusOK, a.chat.Presence().ListStatuses(r.Context(), caller(r).TenantID, ids))
}

func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	total, err := a.chat.Registry().TotalUnread(r.Context(), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}

type deviceRequest struct {
	Token    string          `json:"token"`
	Platform models.Platform `json:"platform"`
	IsPWA    bool            `json:"isPWA"`
}

func (a *API) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	dev, err := a.devices.Register(r.Context(), caller(r), req.Token, req.Platform, req.IsPWA)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (a *API) UnregisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.devices.Unregister(r.Context(), caller(r), req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reminderRequest struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserIDs   []string  `json:"userIds"`
	StartTime time.Time `json:"startTime"`
}

// ReminderHandler lets staff arm the push reminder of a calendar event.
func (a *API) ReminderHandler(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id.Role == models.RoleClient {
		writeError(w, models.ErrForbidden)
		return
	}
	var req reminderRequest
	if !decode(w, r, &req) {
		return
	}
	scheduled, err := a.scheduler.ScheduleEventReminder(models.Event{
		ID:        req.ID,
		TenantID:  id.TenantID,
		Title:     req.Title,
		UserIDs:   req.UserIDs,
		StartTime: req.StartTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"scheduled": scheduled})
}

func (a *API) CancelReminderHandler(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id.Role == models.RoleClient {
		writeError(w, models.ErrForbidden)
		return
	}
	cancelled := a.scheduler.CancelReminder(id.TenantID, r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	// An empty body leaves v at its zero value.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, &models.ValidationError{Field: "body", Reason: "invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"

	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		status, message = http.StatusBadRequest, ve.Error()
	case errors.Is(err, identity.ErrUnauthorized):
		status, message = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, models.ErrForbidden):
		status, message = http.StatusForbidden, "Forbidden"
	case errors.Is(err, models.ErrNotFound):
		status, message = http.StatusNotFound, "Not found"
	case models.IsUpload(err):
		status, message = http.StatusBadGateway, "Upload failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusServiceUnavailable, "Request cancelled"
	default:
		log.Printf("request failed: %v", err)
	}

	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}
