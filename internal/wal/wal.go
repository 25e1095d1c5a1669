// Package wal provides the write-ahead log: a durable, sequence-numbered
// record of pending operations, appended before the operation it
// describes is acknowledged, and replayed for crash recovery.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	serrors "github.com/stratumdb/stratum/internal/errors"
)

// Op is the operation a WAL record describes.
type Op string

const (
	OpBegin  Op = "begin"
	OpWrite  Op = "write"
	OpCommit Op = "commit"
	OpAbort  Op = "abort"
)

// Record is a single WAL entry. Seq is assigned by Append under the
// ordering lock; replay order equals write order.
type Record struct {
	Seq       uint64 `json:"seq"`
	Op        Op     `json:"op"`
	TxnID     string `json:"txn_id"`
	FileID    string `json:"file_id,omitempty"`
	RowCount  int64  `json:"row_count,omitempty"`
	Timestamp int64  `json:"ts"`
}

// WAL is an append-only log of framed records across rotating segment
// files. Appends are durable (fsynced) before they return.
type WAL struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	seq        uint64
	mu         sync.Mutex
}

// DefaultMaxSegmentSize is the segment rotation threshold.
const DefaultMaxSegmentSize = 64 * 1024 * 1024

// Open opens the WAL in dir, creating the directory if needed, and
// positions the sequence counter after the last durable record.
func Open(dir string, maxSegSize int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = DefaultMaxSegmentSize
	}

	w := &WAL{
		dir:        dir,
		maxSegSize: maxSegSize,
	}

	if err := w.findLastSegment(); err != nil {
		return nil, err
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// findLastSegment finds the highest segment id among existing WAL files
// and recovers the last assigned sequence number from it.
func (w *WAL) findLastSegment() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("wal: failed to read directory: %w", err)
	}

	var lastSegmentID uint64
	found := false
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		segID, ok := parseSegmentName(file.Name())
		if ok && segID >= lastSegmentID {
			lastSegmentID = segID
			found = true
		}
	}

	w.segmentID = lastSegmentID
	if !found {
		return nil
	}

	// Walk every segment in order so the recovered seq is the global maximum.
	segments, err := SegmentFiles(w.dir)
	if err != nil {
		return err
	}
	for _, path := range segments {
		records, err := ReadSegment(path)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.Seq > w.seq {
				w.seq = rec.Seq
			}
		}
	}

	return nil
}

// openSegment opens the current segment file for appending.
func (w *WAL) openSegment() error {
	path := filepath.Join(w.dir, segmentName(w.segmentID))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("wal: failed to seek segment: %w", err)
	}

	w.segment = file
	w.offset = offset
	return nil
}

// Append assigns the next sequence number to rec, persists it durably,
// and returns the sequence number. Concurrent appenders are serialized
// by a single ordering lock, so sequence order equals write order.
func (w *WAL) Append(rec *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	rec.Seq = w.seq

	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to serialize record: %w", err)
	}

	crc := crc32.ChecksumIEEE(payload)

	// Frame: [length:4][crc32:4][payload:length]
	if err := w.writeFrame(uint32(len(payload)), crc, payload); err != nil {
		return 0, err
	}

	return w.seq, nil
}

// writeFrame writes one framed record and fsyncs the segment.
func (w *WAL) writeFrame(length, crc uint32, payload []byte) error {
	if err := binary.Write(w.segment, binary.LittleEndian, length); err != nil {
		return fmt.Errorf("wal: failed to write length: %w", err)
	}
	if err := binary.Write(w.segment, binary.LittleEndian, crc); err != nil {
		return fmt.Errorf("wal: failed to write checksum: %w", err)
	}
	if _, err := w.segment.Write(payload); err != nil {
		return fmt.Errorf("wal: failed to write payload: %w", err)
	}

	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("wal: failed to fsync: %w", err)
	}

	w.offset += int64(8 + len(payload))

	if w.offset >= w.maxSegSize {
		if err := w.rotateSegment(); err != nil {
			return err
		}
	}

	return nil
}

// rotateSegment closes the current segment and opens the next one.
func (w *WAL) rotateSegment() error {
	if w.segment != nil {
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("wal: failed to close segment: %w", err)
		}
	}
	w.segmentID++
	return w.openSegment()
}

// CurrentSeq returns the last assigned sequence number.
func (w *WAL) CurrentSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close fsyncs and closes the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment != nil {
		if err := w.segment.Sync(); err != nil {
			return fmt.Errorf("wal: failed to fsync on close: %w", err)
		}
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("wal: failed to close segment: %w", err)
		}
		w.segment = nil
	}

	return nil
}

// segmentName formats a segment file name; lexicographic order of names
// equals numeric order of ids.
func segmentName(id uint64) string {
	return fmt.Sprintf("wal_%016x.log", id)
}

// parseSegmentName extracts the segment id from a file name.
func parseSegmentName(name string) (uint64, bool) {
	if len(name) < 24 || name[:4] != "wal_" {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(name[4:20], "%016x", &id); err != nil {
		return 0, false
	}
	return id, true
}

// SegmentFiles lists the WAL segment paths in dir, sorted by segment id.
func SegmentFiles(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to read directory: %w", err)
	}

	var segments []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if _, ok := parseSegmentName(file.Name()); ok {
			segments = append(segments, filepath.Join(dir, file.Name()))
		}
	}
	// Names embed zero-padded hex ids, so ReadDir's sorted order is id order.
	return segments, nil
}

// ReadSegment reads all records from one segment file.
//
// A truncated final frame (torn write during a crash) terminates the
// scan cleanly; a checksum mismatch on a complete frame is corruption
// and fails with CorruptWAL.
func ReadSegment(path string) ([]*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open segment: %w", err)
	}
	defer file.Close()

	var records []*Record
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			// Partial length prefix: torn tail.
			if err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("wal: failed to read frame length: %w", err)
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break
		}

		if computed := crc32.ChecksumIEEE(payload); computed != crc {
			return nil, serrors.Newf(serrors.KindCorruptWAL,
				"checksum mismatch in segment %s", path)
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, serrors.Wrap(serrors.KindCorruptWAL,
				fmt.Sprintf("undecodable record in segment %s", path), err)
		}

		records = append(records, &rec)
	}

	return records, nil
}
