package container

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sync"

	"github.com/ehrlich-b/go-daq/internal/constants"
)

// Record stream layout. Each record is framed as
//
//	u32 body length | u32 CRC-32 (IEEE) of body | body
//
// and the body starts with a one-byte record type. Integers are
// little-endian throughout. A record whose frame extends past the end
// of the file, or a last record whose CRC does not match, marks the end
// of the valid stream: everything before it replays, the torn tail is
// ignored. A CRC mismatch on any earlier record fails the replay.
const (
	recCreateGroup   = 1
	recCreateDataset = 2
	recSetAttr       = 3
	recDelAttr       = 4
	recLink          = 5
	recUnlink        = 6
	recAppendRows    = 7
)

// frameHeaderLen is the length of the record frame header.
const frameHeaderLen = 8

// maxRecordLen bounds a single record body; larger lengths during
// replay indicate corruption.
const maxRecordLen = 1 << 28

// RowType identifies the compound row layout of a dataset.
type RowType uint8

const (
	// RowMeasurement is the fixed-width measurement row:
	// f64 quantity followed by a 10-byte unit field.
	RowMeasurement RowType = 1

	// RowNote is the variable-width note row: i64 ticks, f64 offset
	// hours, u16 text length, text bytes.
	RowNote RowType = 2
)

// measurementRowLen is the on-disk width of a measurement row.
const measurementRowLen = 8 + constants.UnitFieldWidth

// MeasurementRow is one entry of a measurement dataset.
type MeasurementRow struct {
	Quantity float64
	Units    string
}

// NoteRow is one entry of the extensible notes dataset.
type NoteRow struct {
	Ticks       int64
	OffsetHours float64
	Text        string
}

// TimeOffset is the persisted timestamp compound: .NET ticks plus the
// UTC offset in hours.
type TimeOffset struct {
	Ticks       int64
	OffsetHours float64
}

// Attribute value type tags.
const (
	attrString     = 1
	attrInt64      = 2
	attrFloat64    = 3
	attrBool       = 4
	attrUint32     = 5
	attrTimeOffset = 6
)

// Encode buffers are pooled; record encoding is on the persistence path
// for every sample chunk.
var encodePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

func getEncodeBuf() *[]byte {
	b := encodePool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

func putEncodeBuf(b *[]byte) {
	if cap(*b) <= 1<<20 {
		encodePool.Put(b)
	}
}

func appendU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendF64(b []byte, v float64) []byte {
	return appendU64(b, math.Float64bits(v))
}

func appendStr(b []byte, s string) []byte {
	b = appendU16(b, uint16(len(s)))
	return append(b, s...)
}

// reader walks a record body.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: short %s", ErrCorrupt, what)
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail("u8")
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail("u16")
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail("u32")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail("u64")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) str() string {
	n := int(r.u16())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail("string")
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail("bytes")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// appendAttrValue encodes a typed attribute value.
func appendAttrValue(b []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case string:
		b = append(b, attrString)
		b = appendStr(b, val)
	case int64:
		b = append(b, attrInt64)
		b = appendU64(b, uint64(val))
	case float64:
		b = append(b, attrFloat64)
		b = appendF64(b, val)
	case bool:
		b = append(b, attrBool)
		if val {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case uint32:
		b = append(b, attrUint32)
		b = appendU32(b, val)
	case TimeOffset:
		b = append(b, attrTimeOffset)
		b = appendU64(b, uint64(val.Ticks))
		b = appendF64(b, val.OffsetHours)
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
	return b, nil
}

func (r *reader) attrValue() any {
	switch r.u8() {
	case attrString:
		return r.str()
	case attrInt64:
		return int64(r.u64())
	case attrFloat64:
		return r.f64()
	case attrBool:
		return r.u8() != 0
	case attrUint32:
		return r.u32()
	case attrTimeOffset:
		return TimeOffset{Ticks: int64(r.u64()), OffsetHours: r.f64()}
	default:
		r.fail("attribute tag")
		return nil
	}
}

// encodeMeasurementRows packs measurement rows into their fixed layout.
// Units longer than the field width are truncated without NUL.
func encodeMeasurementRows(rows []MeasurementRow) []byte {
	out := make([]byte, 0, len(rows)*measurementRowLen)
	for _, row := range rows {
		out = appendF64(out, row.Quantity)
		var unit [constants.UnitFieldWidth]byte
		copy(unit[:], row.Units)
		out = append(out, unit[:]...)
	}
	return out
}

func decodeMeasurementRows(payload []byte, count int) ([]MeasurementRow, error) {
	if len(payload) != count*measurementRowLen {
		return nil, fmt.Errorf("%w: measurement payload length %d for %d rows", ErrCorrupt, len(payload), count)
	}
	rows := make([]MeasurementRow, count)
	for i := range rows {
		r := reader{buf: payload, off: i * measurementRowLen}
		rows[i].Quantity = r.f64()
		unit := r.bytes(constants.UnitFieldWidth)
		if r.err != nil {
			return nil, r.err
		}
		// Stop at NUL or at the full field width.
		end := len(unit)
		for j, c := range unit {
			if c == 0 {
				end = j
				break
			}
		}
		rows[i].Units = string(unit[:end])
	}
	return rows, nil
}

func encodeNoteRows(rows []NoteRow) []byte {
	var out []byte
	for _, row := range rows {
		out = appendU64(out, uint64(row.Ticks))
		out = appendF64(out, row.OffsetHours)
		out = appendStr(out, row.Text)
	}
	return out
}

func decodeNoteRows(payload []byte, count int) ([]NoteRow, error) {
	r := reader{buf: payload}
	rows := make([]NoteRow, count)
	for i := range rows {
		rows[i].Ticks = int64(r.u64())
		rows[i].OffsetHours = r.f64()
		rows[i].Text = r.str()
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes in note payload", ErrCorrupt, len(payload)-r.off)
	}
	return rows, nil
}

// frameRecord wraps a body with the length/CRC frame.
func frameRecord(body []byte) []byte {
	out := make([]byte, frameHeaderLen+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[4:], crc32.ChecksumIEEE(body))
	copy(out[frameHeaderLen:], body)
	return out
}
