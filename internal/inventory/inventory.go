// Package inventory provides the metadata index: a copy-on-write,
// versioned mapping from file ids to data file descriptors, with
// refcounted snapshots for lock-free readers, and its durable SQLite
// form (the file_inventory catalog).
package inventory

import (
	"sync"
	"sync/atomic"

	"github.com/stratumdb/stratum/internal/datafile"
)

// Version is one immutable inventory version. Each version holds only
// its delta (files added, files removed) plus a reference to its
// predecessor; earlier versions are never modified, so any party
// holding one continues to see its view.
type Version struct {
	id        uint64
	parent    *Version
	delta     []*datafile.DataFile
	removed   map[string]bool
	totalRows int64
	fileCount int
	lastTxnID string
}

// ID returns the version number; higher means later.
func (v *Version) ID() uint64 { return v.id }

// TotalRows returns the aggregate row count across visible files.
func (v *Version) TotalRows() int64 { return v.totalRows }

// FileCount returns the number of visible files.
func (v *Version) FileCount() int { return v.fileCount }

// LastTxnID returns the last committed transaction applied to this version.
func (v *Version) LastTxnID() string { return v.lastTxnID }

// Files returns the visible descriptors in commit order.
func (v *Version) Files() []*datafile.DataFile {
	var files []*datafile.DataFile
	if v.parent != nil {
		for _, f := range v.parent.Files() {
			if !v.removed[f.ID] {
				files = append(files, f)
			}
		}
	}
	files = append(files, v.delta...)
	return files
}

// Lookup resolves a file id within this version's view.
func (v *Version) Lookup(fileID string) *datafile.DataFile {
	if v.removed[fileID] {
		return nil
	}
	for _, f := range v.delta {
		if f.ID == fileID {
			return f
		}
	}
	if v.parent != nil {
		return v.parent.Lookup(fileID)
	}
	return nil
}

// Contains reports whether the file id is visible in this version.
func (v *Version) Contains(fileID string) bool {
	return v.Lookup(fileID) != nil
}

// Index is the in-memory metadata index. Writes (ApplyCommit,
// ApplyCompaction) happen under the database commit lock; readers take
// refcounted snapshots and never block writers.
type Index struct {
	mu      sync.Mutex
	current *Version
	live    map[*Version]int
}

// NewIndex creates an empty index at version 0.
func NewIndex() *Index {
	return &Index{
		current: &Version{},
		live:    make(map[*Version]int),
	}
}

// Seed installs the initial version from the durable catalog at open
// time. Must be called before any snapshot is taken.
func (ix *Index) Seed(files []*datafile.DataFile, lastTxnID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	v := &Version{
		id:        ix.current.id + 1,
		delta:     files,
		fileCount: len(files),
		lastTxnID: lastTxnID,
	}
	for _, f := range files {
		v.totalRows += f.RowCount
	}
	ix.current = v
}

// Current returns the current version.
func (ix *Index) Current() *Version {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.current
}

// ApplyCommit publishes a committed transaction's file set atomically:
// the new version is previous ∪ files, the previous version object is
// left unmodified.
func (ix *Index) ApplyCommit(txnID string, files []*datafile.DataFile) *Version {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	v := &Version{
		id:        ix.current.id + 1,
		parent:    ix.current,
		delta:     files,
		fileCount: ix.current.fileCount + len(files),
		totalRows: ix.current.totalRows,
		lastTxnID: txnID,
	}
	for _, f := range files {
		v.totalRows += f.RowCount
	}
	ix.current = v
	return v
}

// ApplyCompaction publishes a version in which superseded files are
// replaced by their compacted successors, committed by txnID. Superseded
// files stay physically on disk until no live snapshot references them.
func (ix *Index) ApplyCompaction(txnID string, supersededIDs []string, files []*datafile.DataFile) *Version {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := make(map[string]bool, len(supersededIDs))
	var removedRows int64
	removedCount := 0
	for _, id := range supersededIDs {
		if f := ix.current.Lookup(id); f != nil {
			removed[id] = true
			removedRows += f.RowCount
			removedCount++
		}
	}

	last := ix.current.lastTxnID
	if txnID != "" {
		last = txnID
	}
	v := &Version{
		id:        ix.current.id + 1,
		parent:    ix.current,
		delta:     files,
		removed:   removed,
		fileCount: ix.current.fileCount - removedCount + len(files),
		totalRows: ix.current.totalRows - removedRows,
		lastTxnID: last,
	}
	for _, f := range files {
		v.totalRows += f.RowCount
	}
	ix.current = v
	return v
}

// Snapshot returns the current version with its retained count
// incremented. The caller must Release it when done.
func (ix *Index) Snapshot() *Snapshot {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.live[ix.current]++
	return &Snapshot{v: ix.current, ix: ix}
}

// release decrements a version's retained count.
func (ix *Index) release(v *Version) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.live[v]--
	if ix.live[v] <= 0 {
		delete(ix.live, v)
	}
}

// Pinned reports whether a file id is visible in the current version or
// in any version still retained by a live snapshot. Garbage collection
// may not physically delete a pinned file.
func (ix *Index) Pinned(fileID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.current.Contains(fileID) {
		return true
	}
	for v := range ix.live {
		if v.Contains(fileID) {
			return true
		}
	}
	return false
}

// LiveSnapshots returns the number of versions retained by snapshots.
func (ix *Index) LiveSnapshots() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.live)
}

// Snapshot is a retained reference to one inventory version. Releasing
// is idempotent; reads through a released snapshot are a bug.
type Snapshot struct {
	v        *Version
	ix       *Index
	released int32
}

// Version returns the pinned version.
func (s *Snapshot) Version() *Version { return s.v }

// Files returns the pinned version's descriptors in commit order.
func (s *Snapshot) Files() []*datafile.DataFile { return s.v.Files() }

// Lookup resolves a file id within the pinned version.
func (s *Snapshot) Lookup(fileID string) *datafile.DataFile { return s.v.Lookup(fileID) }

// Release drops the snapshot's reference. Safe to call more than once.
func (s *Snapshot) Release() {
	if atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		s.ix.release(s.v)
	}
}
