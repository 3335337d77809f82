package storage

import (
	"fmt"

	"ptchat/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

// FileMetadata records who uploaded an object and for which conversation.
type FileMetadata struct {
	ObjectKey       string  `msgpack:"key"`
	Kind            string  `msgpack:"kind"`
	Name            string  `msgpack:"name"`
	MimeType        string  `msgpack:"mimeType"`
	Size            int64   `msgpack:"size"`
	DurationSeconds float64 `msgpack:"duration,omitempty"`
	CreatedAt       int64   `msgpack:"createdAt"`
	UserID          string  `msgpack:"userId"`
	ConversationID  string  `msgpack:"conversationId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ObjectKey)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (t *Tx) PutFile(meta FileMetadata) error {
	data, err := meta.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal file metadata: %w", err)
	}
	return t.bucket(bucketFiles).Put(meta.Key(), data)
}

func (t *Tx) File(key string) (FileMetadata, error) {
	var meta FileMetadata
	b := t.bucket(bucketFiles)
	if b == nil {
		return meta, models.ErrNotFound
	}
	data := b.Get([]byte(key))
	if data == nil {
		return meta, fmt.Errorf("file metadata %s: %w", key, models.ErrNotFound)
	}
	return meta, meta.UnmarshalBinary(data)
}
