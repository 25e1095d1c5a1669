// Package txnlog provides the durable transaction log: one record per
// transaction binding its id to a final status and the set of data
// files it introduced. The commit record is the atomicity boundary for
// visibility: the metadata index is updated only after the record is
// durable.
package txnlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	serrors "github.com/stratumdb/stratum/internal/errors"
)

// Status is a transaction's final decision.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
)

// FileRef names one data file introduced by a transaction.
type FileRef struct {
	FileID    string `json:"file_id"`
	Path      string `json:"path"`
	RowCount  int64  `json:"row_count"`
	SizeBytes int64  `json:"size_bytes"`
}

// Record is a transaction's durable commit/abort decision.
type Record struct {
	TxnID     string    `json:"txn_id"`
	Status    Status    `json:"status"`
	Files     []FileRef `json:"files,omitempty"`
	WALSeq    uint64    `json:"wal_seq"`
	DecidedAt int64     `json:"decided_at"`

	// Supersedes names files retired by this transaction. It rides in
	// the commit record so the new files and the retirement of the old
	// ones share one atomicity boundary.
	Supersedes []string `json:"supersedes,omitempty"`
}

// Log stores one record file per transaction under a single directory.
// Records are written once and never modified.
type Log struct {
	dir string
}

// Open opens the transaction log directory, creating it if needed.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("txnlog: failed to create directory: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Commit durably records a committed transaction, its file set, and
// the files it supersedes in a single step: the record file is written,
// fsynced, and the directory entry fsynced before Commit returns.
func (l *Log) Commit(txnID string, walSeq uint64, files []FileRef, supersedes []string) (*Record, error) {
	rec := &Record{
		TxnID:      txnID,
		Status:     StatusCommitted,
		Files:      files,
		WALSeq:     walSeq,
		DecidedAt:  time.Now().UnixNano(),
		Supersedes: supersedes,
	}
	if err := l.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Abort durably records an aborted transaction. The named files are
// orphans: never visible to any reader, eligible for later cleanup.
func (l *Log) Abort(txnID string, walSeq uint64, files []FileRef) (*Record, error) {
	rec := &Record{
		TxnID:     txnID,
		Status:    StatusAborted,
		Files:     files,
		WALSeq:    walSeq,
		DecidedAt: time.Now().UnixNano(),
	}
	if err := l.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// write persists one record file durably.
func (l *Log) write(rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("txnlog: failed to serialize record: %w", err)
	}

	path := filepath.Join(l.dir, rec.TxnID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return serrors.Newf(serrors.KindIOFailure,
				"transaction %s already decided", rec.TxnID)
		}
		return serrors.Wrap(serrors.KindIOFailure, "txnlog: failed to create record", err)
	}

	if _, err := file.Write(payload); err != nil {
		file.Close()
		return serrors.Wrap(serrors.KindIOFailure, "txnlog: failed to write record", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return serrors.Wrap(serrors.KindIOFailure, "txnlog: failed to fsync record", err)
	}
	if err := file.Close(); err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "txnlog: failed to close record", err)
	}

	return syncDir(l.dir)
}

// Get reads a single transaction's record.
func (l *Log) Get(txnID string) (*Record, error) {
	path := filepath.Join(l.dir, txnID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, serrors.Newf(serrors.KindNotFound, "transaction %s not found", txnID)
		}
		return nil, serrors.Wrap(serrors.KindIOFailure, "txnlog: failed to read record", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure,
			fmt.Sprintf("txnlog: undecodable record for transaction %s", txnID), err)
	}
	return &rec, nil
}

// List returns all records ordered by WAL sequence, so replaying them
// into the metadata index is deterministic.
func (l *Log) List() ([]*Record, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("txnlog: failed to read directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rec, err := l.Get(entry.Name())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].WALSeq < records[j].WALSeq
	})

	return records, nil
}

// syncDir fsyncs a directory so new entries survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "txnlog: failed to open directory", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "txnlog: failed to fsync directory", err)
	}
	return nil
}
