package wal

import (
	serrors "github.com/stratumdb/stratum/internal/errors"
)

// TxnStatus is the state of a transaction reconstructed from the log.
type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCommitted TxnStatus = "committed"
	TxnAborted   TxnStatus = "aborted"
)

// TxnState is a transaction's reconstructed state: its status and the
// set of data files its Write records introduced.
type TxnState struct {
	ID        string
	Status    TxnStatus
	FileIDs   []string
	BeginSeq  uint64
	CommitSeq uint64
}

// ReplayResult is the deterministic outcome of scanning the log.
type ReplayResult struct {
	// Committed holds committed transactions in commit order.
	Committed []*TxnState

	// Incomplete holds transactions with no trailing Commit or Abort
	// record (crash mid-write). They are treated as aborted and their
	// partially written data files are eligible for cleanup.
	Incomplete []*TxnState

	// Aborted holds transactions explicitly aborted.
	Aborted []*TxnState

	// LastSeq is the highest sequence number observed.
	LastSeq uint64
}

// Replay scans all WAL segments in sequence order and reconstructs
// transaction state. It is read-only and idempotent: running it twice
// yields the same result.
func Replay(dir string) (*ReplayResult, error) {
	segments, err := SegmentFiles(dir)
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{}
	txns := make(map[string]*TxnState)

	for _, path := range segments {
		records, err := ReadSegment(path)
		if err != nil {
			return nil, err
		}

		for _, rec := range records {
			if rec.Seq <= result.LastSeq {
				return nil, serrors.Newf(serrors.KindCorruptWAL,
					"non-monotonic sequence number %d after %d", rec.Seq, result.LastSeq)
			}
			result.LastSeq = rec.Seq

			switch rec.Op {
			case OpBegin:
				txns[rec.TxnID] = &TxnState{
					ID:       rec.TxnID,
					Status:   TxnPending,
					BeginSeq: rec.Seq,
				}

			case OpWrite:
				state, ok := txns[rec.TxnID]
				if !ok {
					return nil, serrors.Newf(serrors.KindCorruptWAL,
						"write record for unknown transaction %s", rec.TxnID)
				}
				state.FileIDs = append(state.FileIDs, rec.FileID)

			case OpCommit:
				state, ok := txns[rec.TxnID]
				if !ok {
					return nil, serrors.Newf(serrors.KindCorruptWAL,
						"commit record for unknown transaction %s", rec.TxnID)
				}
				state.Status = TxnCommitted
				state.CommitSeq = rec.Seq
				result.Committed = append(result.Committed, state)

			case OpAbort:
				state, ok := txns[rec.TxnID]
				if !ok {
					return nil, serrors.Newf(serrors.KindCorruptWAL,
						"abort record for unknown transaction %s", rec.TxnID)
				}
				state.Status = TxnAborted
				result.Aborted = append(result.Aborted, state)

			default:
				return nil, serrors.Newf(serrors.KindCorruptWAL,
					"unknown operation %q at sequence %d", rec.Op, rec.Seq)
			}
		}
	}

	for _, state := range txns {
		if state.Status == TxnPending {
			result.Incomplete = append(result.Incomplete, state)
		}
	}

	return result, nil
}
