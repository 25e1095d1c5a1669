package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	assert.NoError(t, err)
	ctx := context.Background()

	src := writeTemp(t, "src.seg", "segment-bytes")
	assert.NoError(t, store.Upload(ctx, src, "segments/a.seg"))

	exists, err := store.Exists(ctx, "segments/a.seg")
	assert.NoError(t, err)
	assert.True(t, exists)

	dst := filepath.Join(t.TempDir(), "restored.seg")
	assert.NoError(t, store.Download(ctx, "segments/a.seg", dst))

	data, err := os.ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(data))
}

func TestLocalStorage_DownloadMissing(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	assert.NoError(t, err)

	err = store.Download(context.Background(), "segments/nope.seg", filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_Delete(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	assert.NoError(t, err)
	ctx := context.Background()

	src := writeTemp(t, "src.seg", "x")
	assert.NoError(t, store.Upload(ctx, src, "a.seg"))
	assert.NoError(t, store.Delete(ctx, "a.seg"))

	exists, err := store.Exists(ctx, "a.seg")
	assert.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing object is a no-op.
	assert.NoError(t, store.Delete(ctx, "a.seg"))
}

func TestLocalStorage_ListObjects(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	assert.NoError(t, err)
	ctx := context.Background()

	src := writeTemp(t, "src.seg", "x")
	assert.NoError(t, store.Upload(ctx, src, "segments/a.seg"))
	assert.NoError(t, store.Upload(ctx, src, "segments/b.seg"))
	assert.NoError(t, store.Upload(ctx, src, "other/c.seg"))

	objects, err := store.ListObjects(ctx, "segments")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"segments/a.seg", "segments/b.seg"}, objects)

	// Listing a missing prefix yields nothing.
	objects, err = store.ListObjects(ctx, "absent")
	assert.NoError(t, err)
	assert.Empty(t, objects)
}

func TestLocalStorage_ContextCancellation(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := writeTemp(t, "src.seg", "x")
	assert.Error(t, store.Upload(ctx, src, "a.seg"))
	_, err = store.Exists(ctx, "a.seg")
	assert.Error(t, err)
}
