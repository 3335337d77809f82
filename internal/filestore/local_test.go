package filestore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalFileStore(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, bytes.NewReader([]byte("payload")), "abcdef.png"))
	// Saving again is a no-op.
	require.NoError(t, store.Save(ctx, bytes.NewReader([]byte("other")), "abcdef.png"))

	rc, err := store.Get("abcdef.png")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	require.Equal(t, "http://localhost:8080/files/abcdef.png", store.URL("abcdef.png"))
}

func TestLocalFileStore_RejectsTraversal(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir(), "")
	require.NoError(t, err)

	for _, key := range []string{"", "../etc", "a/b", `a\b`} {
		err := store.Save(context.Background(), bytes.NewReader(nil), key)
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestLocalFileStore_CancelledContext(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, store.Save(ctx, bytes.NewReader([]byte("data")), "key1"))

	_, err = store.Get("key1")
	require.Error(t, err)
}
