package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stratumdb/stratum/internal/datafile"
	serrors "github.com/stratumdb/stratum/internal/errors"
	"github.com/stratumdb/stratum/pkg/types"
)

// catalogSchema is the durable inventory layout. wal_seq is denormalized
// onto data_files so commit-order listing needs no join.
const catalogSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	schema_json TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS data_files (
	file_id        TEXT PRIMARY KEY,
	path           TEXT NOT NULL,
	row_count      INTEGER NOT NULL,
	size_bytes     INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	txn_id         TEXT NOT NULL,
	wal_seq        INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	column_stats   TEXT,
	superseded_by  TEXT
);

CREATE INDEX IF NOT EXISTS idx_data_files_txn ON data_files(txn_id);

CREATE TABLE IF NOT EXISTS applied_txns (
	txn_id     TEXT PRIMARY KEY,
	wal_seq    INTEGER NOT NULL,
	applied_at INTEGER NOT NULL
);
`

// Catalog is the durable file inventory, an SQLite database at
// _metadata/file_inventory. All mutations go through a single write
// connection; reads use a separate read-only pool.
type Catalog struct {
	path   string
	db     *sql.DB
	readDB *sql.DB
	schema types.Schema
}

// CreateCatalog initializes a new inventory database and records the
// table schema. Fails if the database file already exists.
func CreateCatalog(path string, schema types.Schema) (*Catalog, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, serrors.Newf(serrors.KindAlreadyExists, "inventory database %s already exists", path)
	}

	c, err := openCatalog(path)
	if err != nil {
		return nil, err
	}

	if _, err := c.db.Exec(catalogSchema); err != nil {
		c.Close()
		return nil, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to initialize schema", err)
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		c.Close()
		return nil, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to encode table schema", err)
	}
	if _, err := c.db.Exec(
		`INSERT INTO schema_info (id, schema_json, created_at) VALUES (1, ?, ?)`,
		string(raw), time.Now().UnixMilli(),
	); err != nil {
		c.Close()
		return nil, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to record table schema", err)
	}

	c.schema = schema
	return c, nil
}

// OpenCatalog opens an existing inventory database and loads the table
// schema recorded in it.
func OpenCatalog(path string) (*Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, serrors.Newf(serrors.KindNotFound, "inventory database %s not found", path)
	}

	c, err := openCatalog(path)
	if err != nil {
		return nil, err
	}

	// Re-apply DDL so opening an older database picks up new tables.
	if _, err := c.db.Exec(catalogSchema); err != nil {
		c.Close()
		return nil, serrors.Wrap(serrors.KindCorruptCatalog, "inventory: failed to verify schema", err)
	}

	var raw string
	err = c.readDB.QueryRow(`SELECT schema_json FROM schema_info WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		c.Close()
		return nil, serrors.New(serrors.KindCorruptCatalog, "inventory: table schema record missing")
	}
	if err != nil {
		c.Close()
		return nil, serrors.Wrap(serrors.KindCorruptCatalog, "inventory: failed to load table schema", err)
	}
	if err := json.Unmarshal([]byte(raw), &c.schema); err != nil {
		c.Close()
		return nil, serrors.Wrap(serrors.KindCorruptCatalog, "inventory: failed to decode table schema", err)
	}
	if err := c.schema.Validate(); err != nil {
		c.Close()
		return nil, serrors.Wrap(serrors.KindCorruptCatalog, "inventory: recorded table schema is invalid", err)
	}

	return c, nil
}

func openCatalog(path string) (*Catalog, error) {
	// Single write connection serializes mutations; WAL mode keeps
	// readers unblocked during commits.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to open database", err)
	}
	db.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to open read pool", err)
	}
	readDB.SetMaxOpenConns(8)

	return &Catalog{path: path, db: db, readDB: readDB}, nil
}

// Schema returns the table schema recorded in the catalog.
func (c *Catalog) Schema() types.Schema {
	return c.schema
}

// ApplyCommit durably records a committed transaction's files and, in
// the same SQLite transaction, marks any files the commit supersedes.
// The operation is transactional and idempotent: re-applying an already
// recorded transaction is a no-op, so crash recovery can replay the
// transaction log safely and compaction's input retirement can never be
// separated from its merged output becoming visible.
func (c *Catalog) ApplyCommit(ctx context.Context, txnID string, walSeq uint64, files []*datafile.DataFile, supersedes []string) error {
	applied, err := c.IsApplied(ctx, txnID)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "inventory: failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, f := range files {
		stats, err := json.Marshal(f.Stats)
		if err != nil {
			return serrors.Wrap(serrors.KindIOFailure, "inventory: failed to encode column stats", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO data_files
			 (file_id, path, row_count, size_bytes, schema_version, txn_id, wal_seq, created_at, column_stats)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.Path, f.RowCount, f.SizeBytes, f.SchemaVersion, txnID, walSeq,
			f.CreatedAt.UnixMilli(), string(stats),
		); err != nil {
			return serrors.Wrap(serrors.KindIOFailure,
				fmt.Sprintf("inventory: failed to record file %s", f.ID), err)
		}
	}
	if len(supersedes) > 0 {
		successor := txnID
		if len(files) > 0 {
			successor = files[0].ID
		}
		for _, id := range supersedes {
			if _, err := tx.ExecContext(ctx,
				`UPDATE data_files SET superseded_by = ? WHERE file_id = ?`, successor, id); err != nil {
				return serrors.Wrap(serrors.KindIOFailure,
					fmt.Sprintf("inventory: failed to supersede file %s", id), err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO applied_txns (txn_id, wal_seq, applied_at) VALUES (?, ?, ?)`,
		txnID, walSeq, now,
	); err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "inventory: failed to record applied transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "inventory: failed to commit", err)
	}
	return nil
}

// IsApplied reports whether a transaction has been recorded.
func (c *Catalog) IsApplied(ctx context.Context, txnID string) (bool, error) {
	var n int
	err := c.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_txns WHERE txn_id = ?`, txnID).Scan(&n)
	if err != nil {
		return false, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to query applied transactions", err)
	}
	return n > 0, nil
}

// LastApplied returns the transaction with the highest WAL sequence, or
// empty strings when no transaction has been applied.
func (c *Catalog) LastApplied(ctx context.Context) (txnID string, walSeq uint64, err error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT txn_id, wal_seq FROM applied_txns ORDER BY wal_seq DESC LIMIT 1`)
	err = row.Scan(&txnID, &walSeq)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to query last transaction", err)
	}
	return txnID, walSeq, nil
}

// ListFiles returns the live (non-superseded) file descriptors in commit
// order.
func (c *Catalog) ListFiles(ctx context.Context) ([]*datafile.DataFile, error) {
	return c.listFiles(ctx,
		`SELECT file_id, path, row_count, size_bytes, schema_version, created_at, column_stats
		 FROM data_files WHERE superseded_by IS NULL
		 ORDER BY wal_seq, file_id`)
}

// ListSuperseded returns descriptors of files replaced by compaction and
// awaiting physical deletion.
func (c *Catalog) ListSuperseded(ctx context.Context) ([]*datafile.DataFile, error) {
	return c.listFiles(ctx,
		`SELECT file_id, path, row_count, size_bytes, schema_version, created_at, column_stats
		 FROM data_files WHERE superseded_by IS NOT NULL
		 ORDER BY wal_seq, file_id`)
}

func (c *Catalog) listFiles(ctx context.Context, query string) ([]*datafile.DataFile, error) {
	rows, err := c.readDB.QueryContext(ctx, query)
	if err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to list files", err)
	}
	defer rows.Close()

	var files []*datafile.DataFile
	for rows.Next() {
		var (
			f         datafile.DataFile
			createdAt int64
			stats     sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Path, &f.RowCount, &f.SizeBytes,
			&f.SchemaVersion, &createdAt, &stats); err != nil {
			return nil, serrors.Wrap(serrors.KindCorruptCatalog, "inventory: failed to scan file row", err)
		}
		f.CreatedAt = time.UnixMilli(createdAt)
		if stats.Valid && stats.String != "" {
			if err := json.Unmarshal([]byte(stats.String), &f.Stats); err != nil {
				return nil, serrors.Wrap(serrors.KindCorruptCatalog,
					fmt.Sprintf("inventory: bad column stats for file %s", f.ID), err)
			}
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to iterate files", err)
	}
	return files, nil
}

// Stats returns aggregate inventory statistics over live files.
func (c *Catalog) Stats(ctx context.Context) (totalRows, fileCount, totalBytes int64, err error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(row_count), 0), COUNT(*), COALESCE(SUM(size_bytes), 0)
		 FROM data_files WHERE superseded_by IS NULL`)
	if err := row.Scan(&totalRows, &fileCount, &totalBytes); err != nil {
		return 0, 0, 0, serrors.Wrap(serrors.KindIOFailure, "inventory: failed to query stats", err)
	}
	return totalRows, fileCount, totalBytes, nil
}

// DeleteFiles removes catalog rows for physically deleted files.
func (c *Catalog) DeleteFiles(ctx context.Context, fileIDs []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "inventory: failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range fileIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM data_files WHERE file_id = ?`, id); err != nil {
			return serrors.Wrap(serrors.KindIOFailure,
				fmt.Sprintf("inventory: failed to delete file %s", id), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return serrors.Wrap(serrors.KindIOFailure, "inventory: failed to commit", err)
	}
	return nil
}

// Close closes both connection pools.
func (c *Catalog) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return serrors.Wrap(serrors.KindIOFailure, "inventory: failed to close database", firstErr)
	}
	return nil
}
