package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	serrors "github.com/stratumdb/stratum/internal/errors"
)

func TestWAL_AppendAssignsSequence(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	defer w.Close()

	for i := 1; i <= 5; i++ {
		seq, err := w.Append(&Record{Op: OpBegin, TxnID: "txn-1"})
		assert.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(5), w.CurrentSeq())
}

func TestWAL_ReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)

	_, err = w.Append(&Record{Op: OpBegin, TxnID: "txn-1"})
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpWrite, TxnID: "txn-1", FileID: "f1", RowCount: 3})
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	records, err := ReadSegment(filepath.Join(dir, "wal_0000000000000000.log"))
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, OpBegin, records[0].Op)
	assert.Equal(t, OpWrite, records[1].Op)
	assert.Equal(t, "f1", records[1].FileID)
	assert.Equal(t, int64(3), records[1].RowCount)
}

func TestWAL_SequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := w.Append(&Record{Op: OpBegin, TxnID: "txn"})
		assert.NoError(t, err)
	}
	assert.NoError(t, w.Close())

	w2, err := Open(dir, 0)
	assert.NoError(t, err)
	defer w2.Close()

	seq, err := w2.Append(&Record{Op: OpBegin, TxnID: "txn"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(11), seq)
}

func TestWAL_SegmentRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny threshold: every append rotates.
	w, err := Open(dir, 64)
	assert.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.Append(&Record{Op: OpBegin, TxnID: "txn"})
		assert.NoError(t, err)
	}
	assert.NoError(t, w.Close())

	segments, err := SegmentFiles(dir)
	assert.NoError(t, err)
	assert.True(t, len(segments) > 1, "expected rotation to create multiple segments")

	// All records remain readable across segments, in order.
	var seqs []uint64
	for _, path := range segments {
		records, err := ReadSegment(path)
		assert.NoError(t, err)
		for _, rec := range records {
			seqs = append(seqs, rec.Seq)
		}
	}
	assert.Len(t, seqs, 5)
	for i := 1; i < len(seqs); i++ {
		assert.True(t, seqs[i] > seqs[i-1])
	}
}

func TestWAL_ConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	defer w.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := w.Append(&Record{Op: OpBegin, TxnID: "txn"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(160), w.CurrentSeq())
}

func TestReadSegment_ToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpBegin, TxnID: "txn-1"})
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	// Simulate a crash mid-write: a frame header with no payload.
	path := filepath.Join(dir, "wal_0000000000000000.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.NoError(t, err)
	assert.NoError(t, binary.Write(f, binary.LittleEndian, uint32(100)))
	assert.NoError(t, f.Close())

	records, err := ReadSegment(path)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestReadSegment_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpBegin, TxnID: "txn-1"})
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	// Flip a payload byte: the frame stays complete but the checksum no
	// longer matches.
	path := filepath.Join(dir, "wal_0000000000000000.log")
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	assert.NoError(t, os.WriteFile(path, data, 0644))

	_, err = ReadSegment(path)
	assert.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindCorruptWAL))
}

func TestReplay_ClassifiesTransactions(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)

	// Committed transaction.
	_, err = w.Append(&Record{Op: OpBegin, TxnID: "committed"})
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpWrite, TxnID: "committed", FileID: "f1"})
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpCommit, TxnID: "committed"})
	assert.NoError(t, err)

	// Aborted transaction.
	_, err = w.Append(&Record{Op: OpBegin, TxnID: "aborted"})
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpAbort, TxnID: "aborted"})
	assert.NoError(t, err)

	// Incomplete transaction: crash before a decision.
	_, err = w.Append(&Record{Op: OpBegin, TxnID: "incomplete"})
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpWrite, TxnID: "incomplete", FileID: "f2"})
	assert.NoError(t, err)

	assert.NoError(t, w.Close())

	result, err := Replay(dir)
	assert.NoError(t, err)

	assert.Len(t, result.Committed, 1)
	assert.Equal(t, "committed", result.Committed[0].ID)
	assert.Equal(t, []string{"f1"}, result.Committed[0].FileIDs)

	assert.Len(t, result.Aborted, 1)
	assert.Equal(t, "aborted", result.Aborted[0].ID)

	assert.Len(t, result.Incomplete, 1)
	assert.Equal(t, "incomplete", result.Incomplete[0].ID)
	assert.Equal(t, []string{"f2"}, result.Incomplete[0].FileIDs)

	assert.Equal(t, uint64(7), result.LastSeq)
}

func TestReplay_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpBegin, TxnID: "t"})
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpCommit, TxnID: "t"})
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	first, err := Replay(dir)
	assert.NoError(t, err)
	second, err := Replay(dir)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReplay_RejectsUnknownTransaction(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpCommit, TxnID: "never-begun"})
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	_, err = Replay(dir)
	assert.True(t, serrors.IsKind(err, serrors.KindCorruptWAL))
}

func TestReplay_EmptyDirectory(t *testing.T) {
	result, err := Replay(t.TempDir())
	assert.NoError(t, err)
	assert.Empty(t, result.Committed)
	assert.Empty(t, result.Incomplete)
	assert.Equal(t, uint64(0), result.LastSeq)
}

// Frame layout stays stable: [length:4][crc32:4][payload].
func TestWAL_FrameLayout(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	assert.NoError(t, err)
	_, err = w.Append(&Record{Op: OpBegin, TxnID: "t"})
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "wal_0000000000000000.log"))
	assert.NoError(t, err)
	assert.True(t, len(data) > 8)

	length := binary.LittleEndian.Uint32(data[0:4])
	crc := binary.LittleEndian.Uint32(data[4:8])
	assert.Equal(t, int(8+length), len(data))
	assert.Equal(t, crc32.ChecksumIEEE(data[8:]), crc)
}
