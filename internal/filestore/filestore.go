package filestore

import (
	"context"
	"io"
)

// ObjectStore is an opaque blob store addressed by key.
type ObjectStore interface {
	// Save stores the object under key.
	// It is idempotent: if an object with the same key already exists, it returns nil.
	Save(ctx context.Context, r io.Reader, key string) error

	// Get retrieves the object content for the given key.
	Get(key string) (io.ReadCloser, error)

	// URL resolves the public URL clients use to fetch the object.
	URL(key string) string
}
