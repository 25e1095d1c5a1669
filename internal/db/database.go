// Package db wires the storage engine together: the write-ahead log,
// the transaction log, the immutable segment store, and the durable and
// in-memory forms of the file inventory. It owns the commit protocol
// and crash recovery.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratumdb/stratum/internal/datafile"
	serrors "github.com/stratumdb/stratum/internal/errors"
	"github.com/stratumdb/stratum/internal/inventory"
	"github.com/stratumdb/stratum/internal/storage"
	"github.com/stratumdb/stratum/internal/txnlog"
	"github.com/stratumdb/stratum/internal/wal"
	"github.com/stratumdb/stratum/pkg/types"
)

// On-disk layout under the database root.
const (
	DataFilesDir = "data_files"
	WALDir       = "_wal"
	MetadataDir  = "_metadata"
	TxnLogDir    = "_txn_log"

	inventoryFile = "file_inventory"
)

// Options tunes a database instance. The zero value is usable.
type Options struct {
	// WALMaxSegmentBytes is the WAL segment rotation threshold.
	WALMaxSegmentBytes int64

	// Archive, when set, mirrors sealed segments to object storage.
	Archive       storage.ObjectStorage
	ArchivePrefix string
}

// Database is a single columnar table rooted at a directory. One
// Database instance owns the write path; any number of readers operate
// on snapshots.
type Database struct {
	path    string
	schema  types.Schema
	wal     *wal.WAL
	txns    *txnlog.Log
	store   *datafile.Store
	catalog *inventory.Catalog
	index   *inventory.Index

	// commitMu serializes the commit protocol end to end.
	commitMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// InsertResult reports a committed insert.
type InsertResult struct {
	TxnID string
	File  *datafile.DataFile
}

// Create initializes a new database at path with the given schema and
// returns it open. Fails with AlreadyExists when a database is already
// present at path.
func Create(path string, schema types.Schema, opts Options) (*Database, error) {
	if err := schema.Validate(); err != nil {
		return nil, serrors.Wrap(serrors.KindSchemaMismatch, "invalid table schema", err)
	}
	invPath := filepath.Join(path, MetadataDir, inventoryFile)
	if _, err := os.Stat(invPath); err == nil {
		return nil, serrors.Newf(serrors.KindAlreadyExists, "database already exists at %s", path)
	}

	for _, dir := range []string{
		path,
		filepath.Join(path, DataFilesDir),
		filepath.Join(path, WALDir),
		filepath.Join(path, MetadataDir),
		filepath.Join(path, TxnLogDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, serrors.Wrap(serrors.KindIOFailure, "db: failed to create layout", err)
		}
	}

	catalog, err := inventory.CreateCatalog(invPath, schema)
	if err != nil {
		return nil, err
	}

	d, err := assemble(path, schema, catalog, opts)
	if err != nil {
		catalog.Close()
		return nil, err
	}
	d.index.Seed(nil, "")
	return d, nil
}

// Open opens an existing database, running crash recovery before any
// operation is accepted. Fails with NotFound when no database exists at
// path.
func Open(path string, opts Options) (*Database, error) {
	invPath := filepath.Join(path, MetadataDir, inventoryFile)
	catalog, err := inventory.OpenCatalog(invPath)
	if err != nil {
		return nil, err
	}

	d, err := assemble(path, catalog.Schema(), catalog, opts)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	if err := d.recover(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// assemble constructs the component set shared by Create and Open.
func assemble(path string, schema types.Schema, catalog *inventory.Catalog, opts Options) (*Database, error) {
	w, err := wal.Open(filepath.Join(path, WALDir), opts.WALMaxSegmentBytes)
	if err != nil {
		return nil, err
	}
	txns, err := txnlog.Open(filepath.Join(path, TxnLogDir))
	if err != nil {
		w.Close()
		return nil, err
	}
	store, err := datafile.NewStore(filepath.Join(path, DataFilesDir), schema)
	if err != nil {
		w.Close()
		return nil, err
	}
	if opts.Archive != nil {
		store = store.WithArchive(opts.Archive, opts.ArchivePrefix)
	}

	return &Database{
		path:    path,
		schema:  schema,
		wal:     w,
		txns:    txns,
		store:   store,
		catalog: catalog,
		index:   inventory.NewIndex(),
	}, nil
}

// recover reconciles the WAL, the transaction log, and the durable
// inventory after an unclean shutdown, then seeds the in-memory index.
//
// The transaction log is the source of truth for commit decisions: a
// transaction is committed iff its commit record is durable. The WAL
// identifies transactions that crashed before a decision; those are
// recorded as aborted and their partial files become orphans.
func (d *Database) recover(ctx context.Context) error {
	replay, err := wal.Replay(filepath.Join(d.path, WALDir))
	if err != nil {
		return err
	}

	for _, state := range replay.Incomplete {
		if _, err := d.txns.Get(state.ID); err == nil {
			// Decided in the transaction log; crash hit after the
			// decision but before the WAL commit record.
			continue
		} else if !serrors.IsKind(err, serrors.KindNotFound) {
			return err
		}
		var refs []txnlog.FileRef
		for _, id := range state.FileIDs {
			refs = append(refs, txnlog.FileRef{FileID: id, Path: d.store.PathFor(id)})
		}
		if _, err := d.txns.Abort(state.ID, state.BeginSeq, refs); err != nil {
			return err
		}
		log.Printf("db: aborted incomplete transaction %s from previous run", state.ID)
	}

	records, err := d.txns.List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status != txnlog.StatusCommitted {
			continue
		}
		applied, err := d.catalog.IsApplied(ctx, rec.TxnID)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		files, err := d.describeFiles(rec.Files)
		if err != nil {
			return err
		}
		if err := d.catalog.ApplyCommit(ctx, rec.TxnID, rec.WALSeq, files, rec.Supersedes); err != nil {
			return err
		}
		log.Printf("db: re-applied committed transaction %s to inventory", rec.TxnID)
	}

	files, err := d.catalog.ListFiles(ctx)
	if err != nil {
		return err
	}
	lastTxn, _, err := d.catalog.LastApplied(ctx)
	if err != nil {
		return err
	}
	d.index.Seed(files, lastTxn)
	return nil
}

// describeFiles rebuilds full descriptors from transaction log refs,
// re-reading per-column stats from the segments themselves.
func (d *Database) describeFiles(refs []txnlog.FileRef) ([]*datafile.DataFile, error) {
	var files []*datafile.DataFile
	for _, ref := range refs {
		f := &datafile.DataFile{
			ID:            ref.FileID,
			Path:          ref.Path,
			RowCount:      ref.RowCount,
			SizeBytes:     ref.SizeBytes,
			SchemaVersion: d.schema.Version,
		}
		if id, err := types.ParseFileID(ref.FileID); err == nil {
			f.CreatedAt = id.Time()
		}
		if batch, err := d.store.Load(ref.Path); err == nil {
			f.Stats = datafile.CollectStats(batch)
		}
		files = append(files, f)
	}
	return files, nil
}

// Insert writes a record batch as one immutable data file inside one
// transaction. Visibility is atomic: either the whole batch becomes
// visible to snapshots taken after Insert returns, or none of it does.
func (d *Database) Insert(ctx context.Context, batch *types.RecordBatch) (*InsertResult, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.commit(ctx, batch, nil)
}

// Replace commits a batch that supersedes the named files. The new file
// and the retirement of the old ones share the transaction's commit
// record, so they become visible together and recovery re-applies them
// together. Compaction publishes merged segments through Replace.
func (d *Database) Replace(ctx context.Context, batch *types.RecordBatch, superseded []string) (*InsertResult, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.commit(ctx, batch, superseded)
}

// commit runs the commit protocol for one batch: WAL begin, segment
// write, WAL write, durable commit record, then inventory updates.
func (d *Database) commit(ctx context.Context, batch *types.RecordBatch, superseded []string) (*InsertResult, error) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	txnID := uuid.NewString()

	if _, err := d.wal.Append(&wal.Record{Op: wal.OpBegin, TxnID: txnID, Timestamp: nowMilli()}); err != nil {
		return nil, err
	}

	df, err := d.store.Insert(ctx, batch)
	if err != nil {
		d.abort(txnID, nil)
		return nil, err
	}

	if _, err := d.wal.Append(&wal.Record{
		Op: wal.OpWrite, TxnID: txnID, FileID: df.ID, RowCount: df.RowCount, Timestamp: nowMilli(),
	}); err != nil {
		d.abort(txnID, df)
		return nil, serrors.Wrap(serrors.KindTransactionAborted,
			fmt.Sprintf("transaction %s aborted", txnID), err)
	}

	refs := []txnlog.FileRef{{
		FileID: df.ID, Path: df.Path, RowCount: df.RowCount, SizeBytes: df.SizeBytes,
	}}

	// The durable commit record is the visibility boundary: from here the
	// transaction is committed regardless of later failures.
	rec, err := d.txns.Commit(txnID, d.wal.CurrentSeq(), refs, superseded)
	if err != nil {
		d.abort(txnID, df)
		return nil, serrors.Wrap(serrors.KindTransactionAborted,
			fmt.Sprintf("transaction %s aborted", txnID), err)
	}

	if _, err := d.wal.Append(&wal.Record{Op: wal.OpCommit, TxnID: txnID, Timestamp: nowMilli()}); err != nil {
		// Recovery reconstructs the commit from the transaction log.
		log.Printf("db: wal commit record for %s failed: %v", txnID, err)
	}

	files := []*datafile.DataFile{df}
	if err := d.catalog.ApplyCommit(ctx, txnID, rec.WALSeq, files, superseded); err != nil {
		log.Printf("db: inventory update for %s failed, will re-apply on next open: %v", txnID, err)
	}
	if len(superseded) > 0 {
		d.index.ApplyCompaction(txnID, superseded, files)
	} else {
		d.index.ApplyCommit(txnID, files)
	}

	return &InsertResult{TxnID: txnID, File: df}, nil
}

// OrphanFileIDs returns ids of segments present on disk that no durable
// commit record references. Collection holds the commit lock, so a
// segment written by an in-flight transaction is never reported.
func (d *Database) OrphanFileIDs() ([]string, error) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	onDisk, err := d.store.ListFileIDs()
	if err != nil {
		return nil, err
	}
	records, err := d.txns.List()
	if err != nil {
		return nil, err
	}
	committed := make(map[string]bool)
	for _, rec := range records {
		if rec.Status != txnlog.StatusCommitted {
			continue
		}
		for _, ref := range rec.Files {
			committed[ref.FileID] = true
		}
	}

	var orphans []string
	for _, id := range onDisk {
		if !committed[id] {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

// abort records an abort decision for a failed transaction. The data
// file, if any was written, becomes an orphan for garbage collection.
func (d *Database) abort(txnID string, df *datafile.DataFile) {
	if _, err := d.wal.Append(&wal.Record{Op: wal.OpAbort, TxnID: txnID, Timestamp: nowMilli()}); err != nil {
		log.Printf("db: wal abort record for %s failed: %v", txnID, err)
	}
	var refs []txnlog.FileRef
	if df != nil {
		refs = append(refs, txnlog.FileRef{
			FileID: df.ID, Path: df.Path, RowCount: df.RowCount, SizeBytes: df.SizeBytes,
		})
	}
	if _, err := d.txns.Abort(txnID, d.wal.CurrentSeq(), refs); err != nil {
		log.Printf("db: txnlog abort record for %s failed: %v", txnID, err)
	}
}

// Scan reads all visible data under one snapshot and returns the
// batches in commit order. Concurrent inserts do not affect the result.
func (d *Database) Scan(ctx context.Context) ([]*types.RecordBatch, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	snap := d.index.Snapshot()
	defer snap.Release()

	var batches []*types.RecordBatch
	for _, f := range snap.Files() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := d.store.Load(f.Path)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// Snapshot pins the current inventory version. The caller must Release it.
func (d *Database) Snapshot() *inventory.Snapshot {
	return d.index.Snapshot()
}

// Schema returns the table schema.
func (d *Database) Schema() types.Schema { return d.schema }

// Path returns the database root directory.
func (d *Database) Path() string { return d.path }

// Store exposes the segment store for the mount and compaction layers.
func (d *Database) Store() *datafile.Store { return d.store }

// Index exposes the in-memory inventory index.
func (d *Database) Index() *inventory.Index { return d.index }

// Catalog exposes the durable inventory.
func (d *Database) Catalog() *inventory.Catalog { return d.catalog }

// TxnLog exposes the transaction log.
func (d *Database) TxnLog() *txnlog.Log { return d.txns }

// Stats reports current aggregate statistics from the in-memory index.
func (d *Database) Stats() (totalRows int64, fileCount int, lastTxnID string) {
	v := d.index.Current()
	return v.TotalRows(), v.FileCount(), v.LastTxnID()
}

// Close flushes and closes all components. Idempotent.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var firstErr error
	if err := d.wal.Close(); err != nil {
		firstErr = err
	}
	if err := d.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *Database) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return serrors.New(serrors.KindSessionClosing, "database is closed")
	}
	return nil
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
