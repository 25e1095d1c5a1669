// Package mount projects a database's on-disk layout through a
// read-only filesystem. Every request resolves against a consistent
// inventory snapshot, so a directory listing never shows a half-
// committed transaction.
package mount

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/stratumdb/stratum/internal/db"
	serrors "github.com/stratumdb/stratum/internal/errors"
)

// EntryKind distinguishes directories from regular files.
type EntryKind int

const (
	KindDir EntryKind = iota
	KindFile
)

// DirEntry describes one projected filesystem entry.
type DirEntry struct {
	Name    string
	Kind    EntryKind
	Size    int64
	ModTime time.Time
	Ino     uint64
}

// rootDirs are the top-level directories every projection exposes.
var rootDirs = []string{db.DataFilesDir, db.WALDir, db.MetadataDir, db.TxnLogDir}

// Projection resolves paths against the database. Data files are served
// from inventory snapshots; the log and metadata directories are
// projected read-only from their real on-disk form.
type Projection struct {
	db *db.Database
}

// NewProjection creates a projection over an open database.
func NewProjection(database *db.Database) *Projection {
	return &Projection{db: database}
}

// inode derives a stable 64-bit file id from a projected path, so the
// same entry keeps the same id across requests and remounts.
func inode(p string) uint64 {
	return murmur3.Sum64([]byte("stratum/" + p))
}

// Lookup resolves one path to its entry. The empty path is the root.
func (pr *Projection) Lookup(name string) (*DirEntry, error) {
	name = path.Clean("/" + name)[1:]
	if name == "" {
		return &DirEntry{Name: "", Kind: KindDir, Ino: inode("")}, nil
	}

	parts := strings.Split(name, "/")
	switch parts[0] {
	case db.DataFilesDir:
		if len(parts) == 1 {
			return &DirEntry{Name: parts[0], Kind: KindDir, Ino: inode(name)}, nil
		}
		if len(parts) > 2 {
			return nil, serrors.Newf(serrors.KindNotFound, "no such entry: %s", name)
		}
		return pr.lookupSegment(name, parts[1])

	case db.WALDir, db.MetadataDir, db.TxnLogDir:
		if len(parts) == 1 {
			return &DirEntry{Name: parts[0], Kind: KindDir, Ino: inode(name)}, nil
		}
		if len(parts) > 2 {
			return nil, serrors.Newf(serrors.KindNotFound, "no such entry: %s", name)
		}
		return pr.lookupReal(name)
	}

	return nil, serrors.Newf(serrors.KindNotFound, "no such entry: %s", name)
}

// lookupSegment resolves data_files/<file_id>.seg against a snapshot.
func (pr *Projection) lookupSegment(full, base string) (*DirEntry, error) {
	snap := pr.db.Snapshot()
	defer snap.Release()

	id := strings.TrimSuffix(base, ".seg")
	if id == base {
		return nil, serrors.Newf(serrors.KindNotFound, "no such entry: %s", full)
	}
	f := snap.Lookup(id)
	if f == nil {
		return nil, serrors.Newf(serrors.KindNotFound, "no such entry: %s", full)
	}
	return &DirEntry{
		Name:    base,
		Kind:    KindFile,
		Size:    f.SizeBytes,
		ModTime: f.CreatedAt,
		Ino:     inode(full),
	}, nil
}

// lookupReal stats a file inside one of the passthrough directories.
func (pr *Projection) lookupReal(name string) (*DirEntry, error) {
	info, err := os.Stat(path.Join(pr.db.Path(), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, serrors.Newf(serrors.KindNotFound, "no such entry: %s", name)
		}
		return nil, serrors.Wrap(serrors.KindIOFailure, "mount: stat failed", err)
	}
	if info.IsDir() {
		return nil, serrors.Newf(serrors.KindNotFound, "no such entry: %s", name)
	}
	return &DirEntry{
		Name:    path.Base(name),
		Kind:    KindFile,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Ino:     inode(name),
	}, nil
}

// ReadDir lists one projected directory.
func (pr *Projection) ReadDir(name string) ([]DirEntry, error) {
	name = path.Clean("/" + name)[1:]
	if name == "" {
		entries := make([]DirEntry, 0, len(rootDirs))
		for _, d := range rootDirs {
			entries = append(entries, DirEntry{Name: d, Kind: KindDir, Ino: inode(d)})
		}
		return entries, nil
	}

	switch name {
	case db.DataFilesDir:
		snap := pr.db.Snapshot()
		defer snap.Release()

		var entries []DirEntry
		for _, f := range snap.Files() {
			base := f.Name()
			entries = append(entries, DirEntry{
				Name:    base,
				Kind:    KindFile,
				Size:    f.SizeBytes,
				ModTime: f.CreatedAt,
				Ino:     inode(path.Join(name, base)),
			})
		}
		return entries, nil

	case db.WALDir, db.MetadataDir, db.TxnLogDir:
		real, err := os.ReadDir(path.Join(pr.db.Path(), name))
		if err != nil {
			return nil, serrors.Wrap(serrors.KindIOFailure, "mount: readdir failed", err)
		}
		var entries []DirEntry
		for _, e := range real {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			entries = append(entries, DirEntry{
				Name:    e.Name(),
				Kind:    KindFile,
				Size:    info.Size(),
				ModTime: info.ModTime(),
				Ino:     inode(path.Join(name, e.Name())),
			})
		}
		return entries, nil
	}

	return nil, serrors.Newf(serrors.KindNotFound, "no such directory: %s", name)
}

// Read serves a byte range of a projected file. Segment reads pin a
// snapshot for the duration of the request, so a file visible at open
// time stays readable even if compaction supersedes it concurrently.
func (pr *Projection) Read(name string, p []byte, off int64) (int, error) {
	name = path.Clean("/" + name)[1:]
	parts := strings.Split(name, "/")
	if len(parts) != 2 {
		return 0, serrors.Newf(serrors.KindNotFound, "no such file: %s", name)
	}

	switch parts[0] {
	case db.DataFilesDir:
		snap := pr.db.Snapshot()
		defer snap.Release()

		id := strings.TrimSuffix(parts[1], ".seg")
		f := snap.Lookup(id)
		if f == nil {
			return 0, serrors.Newf(serrors.KindNotFound, "no such file: %s", name)
		}
		return pr.db.Store().ReadAt(f.Path, p, off)

	case db.WALDir, db.MetadataDir, db.TxnLogDir:
		file, err := os.Open(path.Join(pr.db.Path(), name))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, serrors.Newf(serrors.KindNotFound, "no such file: %s", name)
			}
			return 0, serrors.Wrap(serrors.KindIOFailure, "mount: open failed", err)
		}
		defer file.Close()
		n, err := file.ReadAt(p, off)
		if err != nil && n == 0 {
			info, statErr := file.Stat()
			if statErr == nil && off >= info.Size() {
				return 0, nil
			}
			return 0, serrors.Wrap(serrors.KindIOFailure, "mount: read failed", err)
		}
		return n, nil
	}

	return 0, serrors.Newf(serrors.KindNotFound, "no such file: %s", name)
}
