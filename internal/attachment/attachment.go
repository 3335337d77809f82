// Package attachment uploads message media to the object store. An upload
// never touches the message log: callers append only after it succeeds.
package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"ptchat/internal/content"
	"ptchat/internal/filestore"
	"ptchat/internal/models"
	"ptchat/internal/storage"

	"github.com/h2non/filetype"
)

const (
	DefaultMaxImageBytes = 10 << 20
	DefaultMaxFileBytes  = 10 << 20
	DefaultMaxVoiceBytes = 25 << 20
)

type Limits struct {
	Image int64
	File  int64
	Voice int64
}

func DefaultLimits() Limits {
	return Limits{Image: DefaultMaxImageBytes, File: DefaultMaxFileBytes, Voice: DefaultMaxVoiceBytes}
}

func (l Limits) For(kind models.AttachmentKind) int64 {
	switch kind {
	case models.AttachmentImage:
		return l.Image
	case models.AttachmentVoice:
		return l.Voice
	}
	return l.File
}

// Blob is a client payload. DurationSeconds is measured by the client when
// recording stops and is only kept for voice notes.
type Blob struct {
	Name            string
	Data            io.Reader
	DurationSeconds float64
}

type Pipeline struct {
	objects filestore.ObjectStore
	storage *storage.BboltStorage
	limits  Limits
}

func New(objects filestore.ObjectStore, storage *storage.BboltStorage, limits Limits) *Pipeline {
	return &Pipeline{objects: objects, storage: storage, limits: limits}
}

// Upload stores blob and returns a stable reference to it. Transport and
// storage failures are reported as *models.UploadError and are not retried.
// There is no built-in timeout; callers bound the upload through ctx.
func (p *Pipeline) Upload(ctx context.Context, owner models.Identity, conversationID string, blob Blob, kind models.AttachmentKind) (models.Attachment, error) {
	if !kind.Valid() {
		return models.Attachment{}, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown attachment kind %q", kind)}
	}
	if blob.Data == nil {
		return models.Attachment{}, &models.ValidationError{Field: "blob", Reason: "empty payload"}
	}
	if kind == models.AttachmentVoice && blob.DurationSeconds < 0 {
		return models.Attachment{}, &models.ValidationError{Field: "duration", Reason: "must not be negative"}
	}

	limit := p.limits.For(kind)
	data, err := io.ReadAll(io.LimitReader(blob.Data, limit+1))
	if err != nil {
		return models.Attachment{}, &models.UploadError{Kind: kind, Err: fmt.Errorf("failed to read payload: %w", err)}
	}
	if len(data) == 0 {
		return models.Attachment{}, &models.ValidationError{Field: "blob", Reason: "empty payload"}
	}
	if int64(len(data)) > limit {
		return models.Attachment{}, &models.ValidationError{Field: "blob", Reason: fmt.Sprintf("larger than %d MB", limit>>20)}
	}

	match, _ := filetype.Match(data)
	switch kind {
	case models.AttachmentImage:
		if !filetype.IsImage(data) {
			return models.Attachment{}, &models.ValidationError{Field: "blob", Reason: "not an image"}
		}
	case models.AttachmentVoice:
		// Browser recorders produce audio/webm, which sniffs as video/webm.
		if !filetype.IsAudio(data) && match.MIME.Value != "video/webm" {
			return models.Attachment{}, &models.ValidationError{Field: "blob", Reason: "not an audio recording"}
		}
	}

	mimeType := "application/octet-stream"
	ext := filepath.Ext(blob.Name)
	if match != filetype.Unknown {
		mimeType = match.MIME.Value
		ext = "." + match.Extension
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:]) + ext

	if err := ctx.Err(); err != nil {
		return models.Attachment{}, &models.UploadError{Kind: kind, Err: err}
	}
	if err := p.objects.Save(ctx, bytes.NewReader(data), key); err != nil {
		return models.Attachment{}, &models.UploadError{Kind: kind, Err: err}
	}

	att := models.Attachment{
		Kind:      kind,
		Key:       key,
		URL:       p.objects.URL(key),
		Name:      content.Sanitize(filepath.Base(blob.Name)),
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}
	if kind == models.AttachmentVoice {
		att.DurationSeconds = blob.DurationSeconds
	}
	if blob.Name == "" {
		att.Name = key
	}

	err = p.storage.Update(owner.TenantID, func(tx *storage.Tx) error {
		return tx.PutFile(storage.FileMetadata{
			ObjectKey:       key,
			Kind:            string(kind),
			Name:            att.Name,
			MimeType:        mimeType,
			Size:            att.SizeBytes,
			DurationSeconds: att.DurationSeconds,
			CreatedAt:       p.storage.Now(),
			UserID:          owner.UserID,
			ConversationID:  conversationID,
		})
	})
	if err != nil {
		return models.Attachment{}, &models.UploadError{Kind: kind, Err: err}
	}

	return att, nil
}

// Open returns the stored object and its sniffed MIME type.
func (p *Pipeline) Open(key string) (io.ReadCloser, string, error) {
	rc, err := p.objects.Get(key)
	if err != nil {
		return nil, "", err
	}
	mimeType := "application/octet-stream"
	if t := filetype.GetType(strings.TrimPrefix(filepath.Ext(key), ".")); t != filetype.Unknown {
		mimeType = t.MIME.Value
	}
	return rc, mimeType, nil
}
