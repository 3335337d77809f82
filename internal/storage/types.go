package storage

import (
	"encoding"
	"encoding/binary"

	"ptchat/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	PhotoURL    string `msgpack:"photoUrl"`
	Role        string `msgpack:"role"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBLastMessage struct {
	Text      string `msgpack:"text"`
	SenderID  string `msgpack:"senderId"`
	Timestamp int64  `msgpack:"timestamp"`
}

type DBConversation struct {
	ID              string           `msgpack:"id"`
	ParticipantIDs  []string         `msgpack:"participantIds"`
	LastMessage     *DBLastMessage   `msgpack:"lastMessage"`
	LastMessageTime int64            `msgpack:"lastMessageTime"`
	UnreadCount     map[string]int   `msgpack:"unreadCount"`
	LastRead        map[string]int64 `msgpack:"lastRead"`
	Archived        map[string]bool  `msgpack:"archived"`
	CreatedAt       int64            `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func conversationToDB(c models.Conversation) *DBConversation {
	dbConv := &DBConversation{
		ID:              c.ID,
		ParticipantIDs:  c.ParticipantIDs,
		LastMessageTime: c.LastMessageTime,
		UnreadCount:     c.UnreadCount,
		LastRead:        c.LastRead,
		Archived:        c.Archived,
		CreatedAt:       c.CreatedAt,
	}
	if c.LastMessage != nil {
		dbConv.LastMessage = &DBLastMessage{
			Text:      c.LastMessage.Text,
			SenderID:  c.LastMessage.SenderID,
			Timestamp: c.LastMessage.Timestamp,
		}
	}
	return dbConv
}

func (c *DBConversation) toModel(tenantID string) models.Conversation {
	conv := models.Conversation{
		ID:              c.ID,
		TenantID:        tenantID,
		ParticipantIDs:  c.ParticipantIDs,
		LastMessageTime: c.LastMessageTime,
		UnreadCount:     c.UnreadCount,
		LastRead:        c.LastRead,
		Archived:        c.Archived,
		CreatedAt:       c.CreatedAt,
	}
	if conv.UnreadCount == nil {
		conv.UnreadCount = make(map[string]int)
	}
	if conv.LastRead == nil {
		conv.LastRead = make(map[string]int64)
	}
	if conv.Archived == nil {
		conv.Archived = make(map[string]bool)
	}
	if c.LastMessage != nil {
		conv.LastMessage = &models.LastMessage{
			Text:      c.LastMessage.Text,
			SenderID:  c.LastMessage.SenderID,
			Timestamp: c.LastMessage.Timestamp,
		}
	}
	return conv
}

// DBMessage follows the persisted message record shape shared with the
// mobile and web clients.
type DBMessage struct {
	ID             string              `msgpack:"id"`
	ConversationID string              `msgpack:"conversationId"`
	SenderID       string              `msgpack:"senderId"`
	SenderName     string              `msgpack:"senderName"`
	SenderPhoto    string              `msgpack:"senderPhoto"`
	Timestamp      int64               `msgpack:"timestamp"`
	Read           bool                `msgpack:"read"`
	DeliveryState  string              `msgpack:"deliveryState"`
	Type           string              `msgpack:"type"`
	Text           string              `msgpack:"text,omitempty"`
	HTML           string              `msgpack:"html,omitempty"`
	FileKey        string              `msgpack:"fileKey,omitempty"`
	FileURL        string              `msgpack:"fileURL,omitempty"`
	FileName       string              `msgpack:"fileName,omitempty"`
	FileSize       int64               `msgpack:"fileSize,omitempty"`
	MimeType       string              `msgpack:"mimeType,omitempty"`
	AudioURL       string              `msgpack:"audioURL,omitempty"`
	Duration       float64             `msgpack:"duration,omitempty"`
	ReplyTo        *DBReply            `msgpack:"replyTo,omitempty"`
	Edited         bool                `msgpack:"edited,omitempty"`
	EditedAt       int64               `msgpack:"editedAt,omitempty"`
	Deleted        bool                `msgpack:"deleted,omitempty"`
	Reactions      map[string][]string `msgpack:"reactions,omitempty"`
}

type DBReply struct {
	ID       string `msgpack:"id"`
	Text     string `msgpack:"text"`
	SenderID string `msgpack:"senderId"`
}

func (m *DBMessage) Key() []byte {
	return cursorKey(models.Cursor{Timestamp: m.Timestamp, ID: m.ID})
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func messageToDB(m models.Message) *DBMessage {
	dbMessage := &DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderPhoto:    m.SenderPhoto,
		Timestamp:      m.Timestamp,
		Read:           m.State == models.DeliveryRead,
		DeliveryState:  string(m.State),
		Type:           string(m.Kind),
		Text:           m.Text,
		HTML:           m.HTML,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
		Reactions:      m.Reactions,
	}
	if a := m.Attachment; a != nil {
		dbMessage.FileKey = a.Key
		dbMessage.FileName = a.Name
		dbMessage.FileSize = a.SizeBytes
		dbMessage.MimeType = a.MimeType
		if a.Kind == models.AttachmentVoice {
			dbMessage.AudioURL = a.URL
			dbMessage.Duration = a.DurationSeconds
		} else {
			dbMessage.FileURL = a.URL
		}
	}
	if m.ReplyTo != nil {
		dbMessage.ReplyTo = &DBReply{ID: m.ReplyTo.ID, Text: m.ReplyTo.Text, SenderID: m.ReplyTo.SenderID}
	}
	return dbMessage
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderPhoto:    m.SenderPhoto,
		Timestamp:      m.Timestamp,
		Kind:           models.MessageKind(m.Type),
		Text:           m.Text,
		HTML:           m.HTML,
		State:          models.DeliveryState(m.DeliveryState),
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
		Reactions:      m.Reactions,
	}
	if msg.State == "" {
		msg.State = models.DeliverySent
		if m.Read {
			msg.State = models.DeliveryRead
		}
	}
	switch {
	case m.AudioURL != "":
		msg.Attachment = &models.Attachment{
			Kind:            models.AttachmentVoice,
			Key:             m.FileKey,
			URL:             m.AudioURL,
			Name:            m.FileName,
			MimeType:        m.MimeType,
			SizeBytes:       m.FileSize,
			DurationSeconds: m.Duration,
		}
	case m.FileURL != "":
		kind := models.AttachmentFile
		if msg.Kind == models.MessageKindImage {
			kind = models.AttachmentImage
		}
		msg.Attachment = &models.Attachment{
			Kind:      kind,
			Key:       m.FileKey,
			URL:       m.FileURL,
			Name:      m.FileName,
			MimeType:  m.MimeType,
			SizeBytes: m.FileSize,
		}
	}
	if m.ReplyTo != nil {
		msg.ReplyTo = &models.ReplyRef{ID: m.ReplyTo.ID, Text: m.ReplyTo.Text, SenderID: m.ReplyTo.SenderID}
	}
	return msg
}

type DBPresence struct {
	UserID   string `msgpack:"userId"`
	Online   bool   `msgpack:"online"`
	LastSeen int64  `msgpack:"lastSeen"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBDevice struct {
	UserID    string `msgpack:"userId"`
	Token     string `msgpack:"token"`
	Platform  string `msgpack:"platform"`
	IsPWA     bool   `msgpack:"isPWA"`
	Enabled   bool   `msgpack:"enabled"`
	CreatedAt int64  `msgpack:"createdAt"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (d *DBDevice) Key() []byte {
	return []byte(d.Token)
}

func (d *DBDevice) MarshalBinary() (data []byte, err error) {
	type alias DBDevice
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDevice) UnmarshalBinary(data []byte) error {
	type alias DBDevice
	return msgpack.Unmarshal(data, (*alias)(d))
}

func deviceToDB(d models.DeviceToken) *DBDevice {
	return &DBDevice{
		UserID:    d.UserID,
		Token:     d.Token,
		Platform:  string(d.Platform),
		IsPWA:     d.IsPWA,
		Enabled:   d.Enabled,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (d *DBDevice) toModel() models.DeviceToken {
	return models.DeviceToken{
		UserID:    d.UserID,
		Token:     d.Token,
		Platform:  models.Platform(d.Platform),
		IsPWA:     d.IsPWA,
		Enabled:   d.Enabled,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// clockValue decodes a stored 8-byte clock reading.
func clockValue(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
