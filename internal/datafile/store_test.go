package datafile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	serrors "github.com/stratumdb/stratum/internal/errors"
	"github.com/stratumdb/stratum/internal/storage"
	"github.com/stratumdb/stratum/pkg/types"
)

func storeSchema() types.Schema {
	return types.Schema{
		Version: 1,
		Fields: []types.Field{
			{Name: "id", Type: types.TypeInt64},
			{Name: "name", Type: types.TypeString, Nullable: true},
		},
	}
}

func storeBatch(t *testing.T, rows int) *types.RecordBatch {
	t.Helper()
	batch := types.NewRecordBatch(storeSchema())
	for i := 0; i < rows; i++ {
		assert.NoError(t, batch.AppendRow(int64(i), "row"))
	}
	return batch
}

func TestStore_InsertAndLoad(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	df, err := store.Insert(context.Background(), storeBatch(t, 3))
	assert.NoError(t, err)
	assert.Equal(t, int64(3), df.RowCount)
	assert.Equal(t, 1, df.SchemaVersion)
	assert.True(t, df.SizeBytes > 0)
	assert.Equal(t, df.ID+".seg", df.Name())

	loaded, err := store.Load(df.Path)
	assert.NoError(t, err)
	assert.Equal(t, 3, loaded.NumRows())
	assert.Equal(t, []interface{}{int64(0), "row"}, loaded.Row(0))
}

func TestStore_InsertCollectsStats(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	batch := types.NewRecordBatch(storeSchema())
	assert.NoError(t, batch.AppendRow(int64(7), "m"))
	assert.NoError(t, batch.AppendRow(int64(-2), "a"))
	assert.NoError(t, batch.AppendRow(int64(40), "z"))

	df, err := store.Insert(context.Background(), batch)
	assert.NoError(t, err)
	assert.Equal(t, int64(-2), df.Stats["id"].Min)
	assert.Equal(t, int64(40), df.Stats["id"].Max)
	assert.Equal(t, "a", df.Stats["name"].Min)
	assert.Equal(t, "z", df.Stats["name"].Max)
}

func TestStore_InsertRejectsSchemaMismatch(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	other := types.Schema{
		Version: 1,
		Fields:  []types.Field{{Name: "other", Type: types.TypeString}},
	}
	batch := types.NewRecordBatch(other)
	assert.NoError(t, batch.AppendRow("x"))

	_, err = store.Insert(context.Background(), batch)
	assert.True(t, serrors.IsKind(err, serrors.KindSchemaMismatch))

	// Nothing may be written on rejection.
	ids, err := store.ListFileIDs()
	assert.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_InsertRejectsEmptyBatch(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	_, err = store.Insert(context.Background(), types.NewRecordBatch(storeSchema()))
	assert.True(t, serrors.IsKind(err, serrors.KindSchemaMismatch))
}

func TestStore_FilesAreImmutable(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	a, err := store.Insert(context.Background(), storeBatch(t, 1))
	assert.NoError(t, err)
	before, err := os.ReadFile(a.Path)
	assert.NoError(t, err)

	// A later insert creates a new file and leaves the first untouched.
	b, err := store.Insert(context.Background(), storeBatch(t, 2))
	assert.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	after, err := os.ReadFile(a.Path)
	assert.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_ReadAt(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	df, err := store.Insert(context.Background(), storeBatch(t, 2))
	assert.NoError(t, err)
	full, err := os.ReadFile(df.Path)
	assert.NoError(t, err)

	buf := make([]byte, 8)
	n, err := store.ReadAt(df.Path, buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, full[:8], buf)

	// Short read at the tail.
	n, err = store.ReadAt(df.Path, buf, int64(len(full)-3))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	// Reading past the end returns zero bytes, not an error.
	n, err = store.ReadAt(df.Path, buf, int64(len(full)+10))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_LoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	_, err = store.Load(store.PathFor("missing"))
	assert.True(t, serrors.IsKind(err, serrors.KindNotFound))
}

func TestStore_ListFileIDs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, storeSchema())
	assert.NoError(t, err)

	a, err := store.Insert(context.Background(), storeBatch(t, 1))
	assert.NoError(t, err)
	b, err := store.Insert(context.Background(), storeBatch(t, 1))
	assert.NoError(t, err)

	// Non-segment files are ignored.
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	ids, err := store.ListFileIDs()
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}

func TestStore_Remove(t *testing.T) {
	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)

	df, err := store.Insert(context.Background(), storeBatch(t, 1))
	assert.NoError(t, err)

	assert.NoError(t, store.Remove(context.Background(), df.ID))
	_, err = os.Stat(df.Path)
	assert.True(t, os.IsNotExist(err))

	// Removing an already absent file is a no-op.
	assert.NoError(t, store.Remove(context.Background(), df.ID))
}

func TestStore_ArchiveMirror(t *testing.T) {
	archiveDir := t.TempDir()
	archive, err := storage.NewLocalStorage(archiveDir)
	assert.NoError(t, err)

	store, err := NewStore(t.TempDir(), storeSchema())
	assert.NoError(t, err)
	store = store.WithArchive(archive, "segments/")

	df, err := store.Insert(context.Background(), storeBatch(t, 2))
	assert.NoError(t, err)

	exists, err := archive.Exists(context.Background(), "segments/"+df.Name())
	assert.NoError(t, err)
	assert.True(t, exists)

	assert.NoError(t, store.Remove(context.Background(), df.ID))
	exists, err = archive.Exists(context.Background(), "segments/"+df.Name())
	assert.NoError(t, err)
	assert.False(t, exists)
}
