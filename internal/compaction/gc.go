// Package compaction reclaims space: it deletes data files that belong
// to aborted transactions or were superseded by compaction, and merges
// small segments into larger ones. Deletion always defers to live
// snapshots; a pinned file is skipped and picked up on a later run.
package compaction

import (
	"context"
	"log"

	"github.com/stratumdb/stratum/internal/db"
	serrors "github.com/stratumdb/stratum/internal/errors"
)

// Result reports one vacuum run.
type Result struct {
	// Orphans are files on disk that no committed transaction references.
	Orphans []string

	// Superseded are files replaced by compaction and no longer live.
	Superseded []string

	// Deferred are reclaim candidates skipped because a live snapshot
	// still pins them.
	Deferred []string

	// Deleted counts files physically removed. Zero in dry-run mode.
	Deleted int
}

// Vacuum reclaims dead data files from a database.
type Vacuum struct {
	db *db.Database
}

// NewVacuum creates a vacuum bound to an open database.
func NewVacuum(database *db.Database) *Vacuum {
	return &Vacuum{db: database}
}

// DryRun identifies reclaim candidates without deleting anything.
func (v *Vacuum) DryRun(ctx context.Context) (*Result, error) {
	return v.run(ctx, false)
}

// Run identifies and deletes reclaimable files.
func (v *Vacuum) Run(ctx context.Context) (*Result, error) {
	return v.run(ctx, true)
}

func (v *Vacuum) run(ctx context.Context, reclaim bool) (*Result, error) {
	result := &Result{}

	// A file is an orphan when it exists on disk but no committed
	// transaction introduced it: either its transaction aborted, or the
	// crash hit between the segment write and the commit record. The
	// candidate scan holds the database commit lock, so a segment written
	// by an in-flight transaction is never mistaken for an orphan.
	orphans, err := v.db.OrphanFileIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range orphans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v.db.Index().Pinned(id) {
			result.Deferred = append(result.Deferred, id)
			continue
		}
		result.Orphans = append(result.Orphans, id)
	}

	superseded, err := v.db.Catalog().ListSuperseded(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range superseded {
		if v.db.Index().Pinned(f.ID) {
			result.Deferred = append(result.Deferred, f.ID)
			continue
		}
		result.Superseded = append(result.Superseded, f.ID)
	}

	if !reclaim {
		return result, nil
	}

	for _, id := range result.Orphans {
		if err := v.db.Store().Remove(ctx, id); err != nil {
			return result, err
		}
		result.Deleted++
	}
	if len(result.Superseded) > 0 {
		for _, id := range result.Superseded {
			if err := v.db.Store().Remove(ctx, id); err != nil {
				return result, err
			}
			result.Deleted++
		}
		if err := v.db.Catalog().DeleteFiles(ctx, result.Superseded); err != nil {
			return result, err
		}
	}

	if result.Deleted > 0 {
		log.Printf("compaction: vacuum deleted %d files (%d orphans, %d superseded, %d deferred)",
			result.Deleted, len(result.Orphans), len(result.Superseded), len(result.Deferred))
	}
	return result, nil
}

// Compact merges all live segments into a single new segment and
// publishes the replacement atomically: the merged file and the
// retirement of its inputs ride in one commit record. Readers holding
// snapshots keep seeing the inputs until they release.
func Compact(ctx context.Context, database *db.Database) (merged string, err error) {
	snap := database.Snapshot()
	defer snap.Release()

	inputs := snap.Files()
	if len(inputs) < 2 {
		return "", serrors.New(serrors.KindNotFound, "fewer than two segments, nothing to compact")
	}

	store := database.Store()
	combined, err := store.Load(inputs[0].Path)
	if err != nil {
		return "", err
	}
	for _, f := range inputs[1:] {
		batch, err := store.Load(f.Path)
		if err != nil {
			return "", err
		}
		for i := 0; i < batch.NumRows(); i++ {
			if err := combined.AppendRow(batch.Row(i)...); err != nil {
				return "", err
			}
		}
	}

	inputIDs := make([]string, len(inputs))
	for i, f := range inputs {
		inputIDs[i] = f.ID
	}

	// The merged segment goes through the normal commit protocol with the
	// inputs recorded as superseded in the same commit record. A crash
	// either leaves the inputs live (no commit record, the merged segment
	// is an orphan) or publishes the merged segment with the inputs
	// already retired; the rows are never duplicated.
	res, err := database.Replace(ctx, combined, inputIDs)
	if err != nil {
		return "", err
	}
	out := res.File

	log.Printf("compaction: merged %d segments into %s (%d rows)",
		len(inputs), out.ID, out.RowCount)
	return out.ID, nil
}
