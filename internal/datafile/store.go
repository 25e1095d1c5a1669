package datafile

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	serrors "github.com/stratumdb/stratum/internal/errors"
	"github.com/stratumdb/stratum/internal/storage"
	"github.com/stratumdb/stratum/pkg/types"
)

// segmentExt is the extension of segment files under data_files/.
const segmentExt = ".seg"

// MinMax holds the min/max values observed for a column.
type MinMax struct {
	Min interface{} `json:"min"`
	Max interface{} `json:"max"`
}

// DataFile describes one immutable segment. Descriptors are referenced,
// never mutated, by the metadata index.
type DataFile struct {
	ID            string
	Path          string
	RowCount      int64
	SizeBytes     int64
	SchemaVersion int
	CreatedAt     time.Time
	Stats         map[string]MinMax
}

// Name returns the file's name within the data_files directory.
func (f *DataFile) Name() string {
	return f.ID + segmentExt
}

// Store writes and reads immutable segment files. Files are created
// under fresh time-ordered ids and never rewritten, truncated, or
// renamed, so a published descriptor can be read with no locking while
// new files are written concurrently.
type Store struct {
	dir    string
	schema types.Schema
	ids    *types.FileIDGenerator

	// archive, when set, mirrors sealed segments to object storage.
	archive       storage.ObjectStorage
	archivePrefix string
}

// NewStore creates a segment store rooted at dir for a fixed schema.
func NewStore(dir string, schema types.Schema) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to create directory", err)
	}
	return &Store{
		dir:    dir,
		schema: schema,
		ids:    types.NewFileIDGenerator(),
	}, nil
}

// WithArchive enables best-effort mirroring of sealed segments to
// object storage under the given key prefix. The local tier remains
// authoritative; archive failures are logged, not surfaced.
func (s *Store) WithArchive(archive storage.ObjectStorage, prefix string) *Store {
	s.archive = archive
	s.archivePrefix = prefix
	return s
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the segment path for a file id.
func (s *Store) PathFor(fileID string) string {
	return filepath.Join(s.dir, fileID+segmentExt)
}

// Insert validates the batch against the store schema, writes it to a
// new immutable segment under a fresh unique id, fsyncs it, and returns
// its descriptor. On schema mismatch nothing is written.
func (s *Store) Insert(ctx context.Context, batch *types.RecordBatch) (*DataFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkSchema(batch); err != nil {
		return nil, err
	}

	payload, err := Encode(batch)
	if err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to encode batch", err)
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to generate file id", err)
	}
	fileID := id.String()
	path := s.PathFor(fileID)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to create segment", err)
	}
	if _, err := file.Write(payload); err != nil {
		file.Close()
		os.Remove(path)
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to write segment", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to fsync segment", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to close segment", err)
	}
	if err := syncDir(s.dir); err != nil {
		return nil, err
	}

	df := &DataFile{
		ID:            fileID,
		Path:          path,
		RowCount:      int64(batch.NumRows()),
		SizeBytes:     int64(len(payload)),
		SchemaVersion: batch.Schema.Version,
		CreatedAt:     id.Time(),
		Stats:         CollectStats(batch),
	}

	if s.archive != nil {
		key := s.archivePrefix + df.Name()
		if err := s.archive.Upload(ctx, path, key); err != nil {
			log.Printf("datafile: archive upload of %s failed: %v", df.Name(), err)
		}
	}

	return df, nil
}

// checkSchema validates the batch field-by-field against the store
// schema: order, names, types, nullability.
func (s *Store) checkSchema(batch *types.RecordBatch) error {
	if err := batch.Validate(); err != nil {
		return serrors.Wrap(serrors.KindSchemaMismatch, "batch does not match its own schema", err)
	}
	if batch.NumRows() == 0 {
		return serrors.New(serrors.KindSchemaMismatch, "batch has no rows")
	}

	declared := s.schema.Fields
	got := batch.Schema.Fields
	if len(got) != len(declared) {
		return serrors.Newf(serrors.KindSchemaMismatch,
			"batch has %d fields, schema declares %d", len(got), len(declared))
	}
	for i, want := range declared {
		have := got[i]
		if have.Name != want.Name {
			return serrors.Newf(serrors.KindSchemaMismatch,
				"field %d is %q, schema declares %q", i, have.Name, want.Name)
		}
		if have.Type != want.Type {
			return serrors.Newf(serrors.KindSchemaMismatch,
				"field %q has type %s, schema declares %s", have.Name, have.Type, want.Type)
		}
		if have.Nullable != want.Nullable {
			return serrors.Newf(serrors.KindSchemaMismatch,
				"field %q nullability does not match schema", have.Name)
		}
	}
	return nil
}

// Load reads and decodes a whole segment.
func (s *Store) Load(path string) (*types.RecordBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, serrors.Newf(serrors.KindNotFound, "segment %s not found", filepath.Base(path))
		}
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to read segment", err)
	}
	batch, err := Decode(data)
	if err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure,
			fmt.Sprintf("datafile: failed to decode segment %s", filepath.Base(path)), err)
	}
	return batch, nil
}

// ReadAt streams a byte range directly from a segment file without
// materializing the whole file. Returns the bytes read; a short count
// at end of file is not an error.
func (s *Store) ReadAt(path string, p []byte, off int64) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, serrors.Newf(serrors.KindNotFound, "segment %s not found", filepath.Base(path))
		}
		return 0, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to open segment", err)
	}
	defer file.Close()

	n, err := file.ReadAt(p, off)
	if err != nil && n == 0 {
		if off >= sizeOf(file) {
			return 0, nil
		}
		return 0, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to read segment", err)
	}
	return n, nil
}

// Remove deletes a segment file and, when archiving is enabled, its
// mirrored object. Only garbage collection may call this, and only for
// files no live snapshot references.
func (s *Store) Remove(ctx context.Context, fileID string) error {
	path := s.PathFor(fileID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return serrors.Wrap(serrors.KindIOFailure, "datafile: failed to remove segment", err)
	}
	if s.archive != nil {
		key := s.archivePrefix + fileID + segmentExt
		if err := s.archive.Delete(ctx, key); err != nil {
			log.Printf("datafile: archive delete of %s failed: %v", fileID, err)
		}
	}
	return nil
}

// ListFileIDs returns the ids of all segment files present on disk,
// including orphans not referenced by any inventory version.
func (s *Store) ListFileIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "datafile: failed to list segments", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != segmentExt {
			continue
		}
		ids = append(ids, name[:len(name)-len(segmentExt)])
	}
	return ids, nil
}

// CollectStats computes per-column min/max for comparable field types.
func CollectStats(batch *types.RecordBatch) map[string]MinMax {
	stats := make(map[string]MinMax)
	for _, col := range batch.Columns {
		switch col.Field.Type {
		case types.TypeInt32, types.TypeInt64, types.TypeFloat64, types.TypeString:
		default:
			continue
		}
		var mm MinMax
		for _, v := range col.Values {
			if v == nil {
				continue
			}
			if mm.Min == nil || lessValue(v, mm.Min) {
				mm.Min = v
			}
			if mm.Max == nil || lessValue(mm.Max, v) {
				mm.Max = v
			}
		}
		if mm.Min != nil {
			stats[col.Field.Name] = mm
		}
	}
	return stats
}

// lessValue compares two values of the same comparable field type.
func lessValue(a, b interface{}) bool {
	switch av := a.(type) {
	case int32:
		return av < b.(int32)
	case int64:
		return av < b.(int64)
	case float64:
		return av < b.(float64)
	case string:
		return av < b.(string)
	}
	return false
}

// sizeOf returns a file's size, or 0 when stat fails.
func sizeOf(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// syncDir fsyncs a directory so new entries survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "datafile: failed to open directory", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "datafile: failed to fsync directory", err)
	}
	return nil
}
