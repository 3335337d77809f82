package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleCoach  Role = "coach"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCoach, RoleClient:
		return true
	}
	return false
}

// CanStartWith reports whether a user with role r may open a conversation
// with a user of role other. Clients only reach staff; staff reach anyone.
func (r Role) CanStartWith(other Role) bool {
	if r == RoleClient {
		return other == RoleAdmin || other == RoleCoach
	}
	return r.Valid() && other.Valid()
}

// Identity is the authenticated caller as handed to us by the auth layer.
type Identity struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Role        Role   `json:"role"`
}

// LastMessage is the denormalised preview kept on a conversation.
type LastMessage struct {
	Text      string `json:"text"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is a two-participant thread.
type Conversation struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"-"`
	ParticipantIDs  []string         `json:"participantIds"`
	LastMessage     *LastMessage     `json:"lastMessage,omitempty"`
	LastMessageTime int64            `json:"lastMessageTime"`
	UnreadCount     map[string]int   `json:"unreadCount"`
	LastRead        map[string]int64 `json:"lastRead"`
	Archived        map[string]bool  `json:"archived,omitempty"`
	CreatedAt       int64            `json:"createdAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Clone returns a copy that shares no maps or slices with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	out.UnreadCount = maps.Clone(c.UnreadCount)
	out.LastRead = maps.Clone(c.LastRead)
	out.Archived = maps.Clone(c.Archived)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	for _, p := range c.ParticipantIDs {
		if p != userID {
			return p
		}
	}
	return ""
}

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
	MessageKindVoice MessageKind = "voice"
)

// DeliveryState only moves forward: sent, delivered, read.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

func (s DeliveryState) rank() int {
	switch s {
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	}
	return 0
}

// Before reports whether s precedes other in the delivery lifecycle.
func (s DeliveryState) Before(other DeliveryState) bool {
	return s.rank() < other.rank()
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
	AttachmentVoice AttachmentKind = "voice"
)

func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentFile, AttachmentVoice:
		return true
	}
	return false
}

// MessageKind maps the attachment kind onto the message type it produces.
func (k AttachmentKind) MessageKind() MessageKind {
	switch k {
	case AttachmentImage:
		return MessageKindImage
	case AttachmentVoice:
		return MessageKindVoice
	}
	return MessageKindFile
}

type Attachment struct {
	Kind            AttachmentKind `json:"kind"`
	Key             string         `json:"key"`
	URL             string         `json:"url"`
	Name            string         `json:"name,omitempty"`
	MimeType        string         `json:"mimeType,omitempty"`
	SizeBytes       int64          `json:"sizeBytes"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
}

type ReplyRef struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
}

// Message is a single entry of a conversation log.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	SenderName     string              `json:"senderName"`
	SenderPhoto    string              `json:"senderPhoto,omitempty"`
	Timestamp      int64               `json:"timestamp"` // Unix milliseconds, server assigned
	Kind           MessageKind         `json:"type"`
	Text           string              `json:"text,omitempty"`
	HTML           string              `json:"html,omitempty"`
	Attachment     *Attachment         `json:"attachment,omitempty"`
	State          DeliveryState       `json:"deliveryState"`
	ReplyTo        *ReplyRef           `json:"replyTo,omitempty"`
	Edited         bool                `json:"edited,omitempty"`
	EditedAt       int64               `json:"editedAt,omitempty"`
	Deleted        bool                `json:"deleted,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
}

// Clone returns a copy that shares no pointers or maps with m.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = slices.Clone(users)
		}
	}
	return out
}

func (m Message) Cursor() Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// Content is what a sender submits; either Text or Attachment must be set.
type Content struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReplyToID  string      `json:"replyToId,omitempty"`
}

// Cursor marks a position in a conversation log. The zero Cursor is before
// the first message.
type Cursor struct {
	Timestamp int64
	ID        string
}

func (c Cursor) IsZero() bool {
	return c.Timestamp == 0 && c.ID == ""
}

// After reports whether c is strictly later than other in log order.
func (c Cursor) After(other Cursor) bool {
	if c.Timestamp != other.Timestamp {
		return c.Timestamp > other.Timestamp
	}
	return c.ID > other.ID
}

func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.Timestamp, 10) + ":" + c.ID
}

func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, id, _ := strings.Cut(s, ":")
	v, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || v < 0 {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: "malformed cursor"}
	}
	return Cursor{Timestamp: v, ID: id}, nil
}

// Presence is the liveness record of one user.
type Presence struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"` // Unix milliseconds
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type Platform string

const (
	PlatformIOS Platform = "ios"
	PlatformWeb Platform = "android-web"
)

func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformWeb
}

// DeviceToken targets one install for push delivery. Invalid tokens are
// disabled, never deleted.
type DeviceToken struct {
	UserID    string   `json:"userId"`
	Token     string   `json:"token"`
	Platform  Platform `json:"platform"`
	IsPWA     bool     `json:"isPWA"`
	Enabled   bool     `json:"enabled"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
}

// PushPayload is what the notification dispatcher delivers. Tag collapses
// notifications of the same category on the device.
type PushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Tag   string         `json:"tag"`
	Data  map[string]any `json:"data,omitempty"`
}

// Event is a calendar entry used for reminders.
type Event struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"-"`
	Title     string    `json:"title"`
	UserIDs   []string  `json:"userIds"`
	StartTime time.Time `json:"startTime"`
}

type MessageEventKind string

const (
	MessageAppended MessageEventKind = "appended"
	MessageUpdated  MessageEventKind = "updated"
)

// MessageEvent is published on a conversation topic after every committed
// change to a message.
type MessageEvent struct {
	Kind    MessageEventKind `json:"kind"`
	Message Message          `json:"message"`
}

// ConversationEvent is published on each participant's topic after the
// conversation summary changes.
type ConversationEvent struct {
	Conversation Conversation `json:"conversation"`
}

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UploadError reports an object store failure during attachment upload.
type UploadError struct {
	Kind AttachmentKind
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func IsUpload(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue)
}

// APIResponse is the generic JSON envelope for non-data responses.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ClientFrameType string

const (
	ClientFrameSubscribe   ClientFrameType = "subscribe"
	ClientFrameUnsubscribe ClientFrameType = "unsubscribe"
	ClientFrameSend        ClientFrameType = "send"
	ClientFrameTyping      ClientFrameType = "typing"
	ClientFrameHeartbeat   ClientFrameType = "heartbeat"
	ClientFrameRead        ClientFrameType = "read"
	ClientFrameDelivered   ClientFrameType = "delivered"
	ClientFrameOffline     ClientFrameType = "offline"
)

// ClientFrame is a command sent by a client over the websocket.
type ClientFrame struct {
	Type           ClientFrameType `json:"type"`
	RequestID      string          `json:"requestId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Cursor         string          `json:"cursor,omitempty"`
	Content        *Content        `json:"content,omitempty"`
	IsTyping       bool            `json:"isTyping,omitempty"`
}

type ServerFrameType string

const (
	ServerFrameMessage      ServerFrameType = "message"
	ServerFrameConversation ServerFrameType = "conversation"
	ServerFramePresence     ServerFrameType = "presence"
	ServerFrameTyping       ServerFrameType = "typing"
	ServerFrameAck          ServerFrameType = "ack"
	ServerFrameError        ServerFrameType = "error"
)

// ServerFrame carries a change feed event or the reply to a client frame.
type ServerFrame struct {
	Type           ServerFrameType  `json:"type"`
	RequestID      string           `json:"requestId,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Event          MessageEventKind `json:"event,omitempty"`
	Message        *Message         `json:"message,omitempty"`
	Conversation   *Conversation    `json:"conversation,omitempty"`
	Presence       *Presence        `json:"presence,omitempty"`
	Typing         *TypingEvent     `json:"typing,omitempty"`
	Queued         bool             `json:"queued,omitempty"`
	Count          int              `json:"count,omitempty"`
	Error          string           `json:"error,omitempty"`
}
