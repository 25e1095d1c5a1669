// Package datafile manages immutable columnar segment files: encoding
// record batches into the on-disk segment format, writing them durably
// under fresh unique ids, and reading them back whole or by byte range.
package datafile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/stratumdb/stratum/pkg/types"
)

// Segment format:
//
//	[magic:8]["format version":4][schema version:4][column count:4][row count:8]
//	per column:
//	  [name len:2][name][type:1][nullable:1][block len:4][block crc32:4][snappy block]
//	[fingerprint:8][magic:8]
//
// The fingerprint is the 64-bit murmur3 hash of all compressed blocks
// in order, verified when a segment is decoded.

var segmentMagic = [8]byte{'S', 'T', 'R', 'S', 'E', 'G', '1', 0}

const formatVersion = 1

// Type codes on the wire.
const (
	codeInt32 = iota + 1
	codeInt64
	codeFloat64
	codeBool
	codeString
	codeBytes
)

var typeToCode = map[types.FieldType]byte{
	types.TypeInt32:   codeInt32,
	types.TypeInt64:   codeInt64,
	types.TypeFloat64: codeFloat64,
	types.TypeBool:    codeBool,
	types.TypeString:  codeString,
	types.TypeBytes:   codeBytes,
}

var codeToType = map[byte]types.FieldType{
	codeInt32:   types.TypeInt32,
	codeInt64:   types.TypeInt64,
	codeFloat64: types.TypeFloat64,
	codeBool:    types.TypeBool,
	codeString:  types.TypeString,
	codeBytes:   types.TypeBytes,
}

// Encode serializes a validated batch into the segment format.
func Encode(batch *types.RecordBatch) ([]byte, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("datafile: invalid batch: %w", err)
	}

	rows := batch.NumRows()
	var buf bytes.Buffer
	buf.Write(segmentMagic[:])
	writeUint32(&buf, formatVersion)
	writeUint32(&buf, uint32(batch.Schema.Version))
	writeUint32(&buf, uint32(len(batch.Columns)))
	writeUint64(&buf, uint64(rows))

	fingerprint := murmur3.New64()

	for _, col := range batch.Columns {
		raw, err := encodeColumn(col, rows)
		if err != nil {
			return nil, err
		}
		block := snappy.Encode(nil, raw)

		name := []byte(col.Field.Name)
		writeUint16(&buf, uint16(len(name)))
		buf.Write(name)
		buf.WriteByte(typeToCode[col.Field.Type])
		if col.Field.Nullable {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeUint32(&buf, uint32(len(block)))
		writeUint32(&buf, crc32.ChecksumIEEE(block))
		buf.Write(block)

		fingerprint.Write(block)
	}

	writeUint64(&buf, fingerprint.Sum64())
	buf.Write(segmentMagic[:])

	return buf.Bytes(), nil
}

// encodeColumn produces the raw (pre-compression) block for one column.
// Nullable columns carry a validity bitmap; values are encoded only for
// non-null rows.
func encodeColumn(col types.Column, rows int) ([]byte, error) {
	var buf bytes.Buffer

	if col.Field.Nullable {
		bitmap := make([]byte, (rows+7)/8)
		for i, v := range col.Values {
			if v != nil {
				bitmap[i/8] |= 1 << (i % 8)
			}
		}
		buf.Write(bitmap)
	}

	for _, v := range col.Values {
		if v == nil {
			continue
		}
		switch col.Field.Type {
		case types.TypeInt32:
			writeUint32(&buf, uint32(v.(int32)))
		case types.TypeInt64:
			writeUint64(&buf, uint64(v.(int64)))
		case types.TypeFloat64:
			writeUint64(&buf, math.Float64bits(v.(float64)))
		case types.TypeBool:
			if v.(bool) {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case types.TypeString:
			s := v.(string)
			writeUint32(&buf, uint32(len(s)))
			buf.WriteString(s)
		case types.TypeBytes:
			b := v.([]byte)
			writeUint32(&buf, uint32(len(b)))
			buf.Write(b)
		default:
			return nil, fmt.Errorf("datafile: unsupported field type %s", col.Field.Type)
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a complete segment back into a record batch, verifying
// per-block checksums and the segment fingerprint.
func Decode(data []byte) (*types.RecordBatch, error) {
	r := &sliceReader{data: data}

	magic, err := r.take(8)
	if err != nil || !bytes.Equal(magic, segmentMagic[:]) {
		return nil, fmt.Errorf("datafile: bad segment magic")
	}
	ver, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("datafile: truncated header")
	}
	if ver != formatVersion {
		return nil, fmt.Errorf("datafile: unsupported format version %d", ver)
	}
	schemaVersion, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("datafile: truncated header")
	}
	colCount, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("datafile: truncated header")
	}
	rowCount, err := r.uint64()
	if err != nil {
		return nil, fmt.Errorf("datafile: truncated header")
	}

	fingerprint := murmur3.New64()
	schema := types.Schema{Version: int(schemaVersion)}
	columns := make([]types.Column, 0, colCount)

	for c := uint32(0); c < colCount; c++ {
		nameLen, err := r.uint16()
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated column header")
		}
		nameBytes, err := r.take(int(nameLen))
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated column name")
		}
		typeCode, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated column header")
		}
		fieldType, ok := codeToType[typeCode]
		if !ok {
			return nil, fmt.Errorf("datafile: unknown type code %d", typeCode)
		}
		nullableByte, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated column header")
		}
		blockLen, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated column header")
		}
		blockCRC, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated column header")
		}
		block, err := r.take(int(blockLen))
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated column block")
		}
		if crc32.ChecksumIEEE(block) != blockCRC {
			return nil, fmt.Errorf("datafile: checksum mismatch in column %s", nameBytes)
		}
		fingerprint.Write(block)

		raw, err := snappy.Decode(nil, block)
		if err != nil {
			return nil, fmt.Errorf("datafile: failed to decompress column %s: %w", nameBytes, err)
		}

		field := types.Field{
			Name:     string(nameBytes),
			Type:     fieldType,
			Nullable: nullableByte == 1,
		}
		values, err := decodeColumn(field, raw, int(rowCount))
		if err != nil {
			return nil, err
		}

		schema.Fields = append(schema.Fields, field)
		columns = append(columns, types.Column{Field: field, Values: values})
	}

	want, err := r.uint64()
	if err != nil {
		return nil, fmt.Errorf("datafile: truncated footer")
	}
	if fingerprint.Sum64() != want {
		return nil, fmt.Errorf("datafile: segment fingerprint mismatch")
	}
	tail, err := r.take(8)
	if err != nil || !bytes.Equal(tail, segmentMagic[:]) {
		return nil, fmt.Errorf("datafile: bad segment trailer")
	}

	return &types.RecordBatch{Schema: schema, Columns: columns}, nil
}

// decodeColumn decodes one raw column block into row values.
func decodeColumn(field types.Field, raw []byte, rows int) ([]interface{}, error) {
	r := &sliceReader{data: raw}

	var bitmap []byte
	if field.Nullable {
		var err error
		bitmap, err = r.take((rows + 7) / 8)
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated validity bitmap for %s", field.Name)
		}
	}

	values := make([]interface{}, rows)
	for i := 0; i < rows; i++ {
		if field.Nullable && bitmap[i/8]&(1<<(i%8)) == 0 {
			values[i] = nil
			continue
		}
		var err error
		switch field.Type {
		case types.TypeInt32:
			var u uint32
			if u, err = r.uint32(); err == nil {
				values[i] = int32(u)
			}
		case types.TypeInt64:
			var u uint64
			if u, err = r.uint64(); err == nil {
				values[i] = int64(u)
			}
		case types.TypeFloat64:
			var u uint64
			if u, err = r.uint64(); err == nil {
				values[i] = math.Float64frombits(u)
			}
		case types.TypeBool:
			var b byte
			if b, err = r.byte(); err == nil {
				values[i] = b == 1
			}
		case types.TypeString:
			var u uint32
			if u, err = r.uint32(); err == nil {
				var s []byte
				if s, err = r.take(int(u)); err == nil {
					values[i] = string(s)
				}
			}
		case types.TypeBytes:
			var u uint32
			if u, err = r.uint32(); err == nil {
				var b []byte
				if b, err = r.take(int(u)); err == nil {
					// Empty values stay []byte{}, never nil.
					values[i] = append([]byte{}, b...)
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("datafile: truncated values in column %s", field.Name)
		}
	}

	return values, nil
}

// sliceReader is a bounds-checked cursor over a byte slice.
type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("short read")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *sliceReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *sliceReader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *sliceReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *sliceReader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
