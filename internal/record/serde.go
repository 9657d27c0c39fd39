package record

import (
	"encoding/binary"
	"errors"

	"github.com/sotomayorlucas/vaultos/internal/schema"
)

// Canonical serialization, little-endian throughout:
//
//	record  := row_id:u64 | table_id:u32 | field_count:u32 | field*
//	field   := tag:u8 | payload
//
// The tag is the column type; tagNull marks a slot that was never assigned
// so that sparse rows round-trip.
const tagNull = 0xFF

const headerSize = 8 + 4 + 4

var (
	ErrOverflow  = errors.New("record: serialized record exceeds buffer")
	ErrTruncated = errors.New("record: truncated payload")
	ErrBadTag    = errors.New("record: unknown field tag")
)

// Serialize writes the canonical form of r into buf and returns the number
// of bytes written. If buf is too small it returns 0 and ErrOverflow; buf
// may already hold part of the encoding.
func Serialize(r *Record, buf []byte) (int, error) {
	n := headerSize
	if len(buf) < n || r.FieldCount > schema.MaxColumns {
		return 0, ErrOverflow
	}
	binary.LittleEndian.PutUint64(buf[0:8], r.RowID)
	binary.LittleEndian.PutUint32(buf[8:12], r.TableID)
	binary.LittleEndian.PutUint32(buf[12:16], r.FieldCount)

	for i := 0; i < int(r.FieldCount); i++ {
		f := r.Fields[i]
		if f == nil {
			if n+1 > len(buf) {
				return 0, ErrOverflow
			}
			buf[n] = tagNull
			n++
			continue
		}
		need := 1 + payloadSize(f)
		if n+need > len(buf) {
			return 0, ErrOverflow
		}
		buf[n] = byte(f.Type)
		n++
		switch f.Type {
		case schema.U8:
			buf[n] = byte(f.Uint)
		case schema.U32:
			binary.LittleEndian.PutUint32(buf[n:], uint32(f.Uint))
		case schema.U64:
			binary.LittleEndian.PutUint64(buf[n:], f.Uint)
		case schema.I64:
			binary.LittleEndian.PutUint64(buf[n:], uint64(f.Int))
		case schema.Bool:
			if f.Bool {
				buf[n] = 1
			} else {
				buf[n] = 0
			}
		case schema.Str:
			s := f.Str
			if len(s) > schema.MaxStrLen {
				s = s[:schema.MaxStrLen]
			}
			binary.LittleEndian.PutUint16(buf[n:], uint16(len(s)))
			copy(buf[n+2:], s)
		case schema.Blob:
			binary.LittleEndian.PutUint32(buf[n:], uint32(len(f.Blob)))
			copy(buf[n+4:], f.Blob)
		default:
			return 0, ErrBadTag
		}
		n += need - 1
	}
	return n, nil
}

func payloadSize(f *Field) int {
	switch f.Type {
	case schema.U8, schema.Bool:
		return 1
	case schema.U32:
		return 4
	case schema.U64, schema.I64:
		return 8
	case schema.Str:
		s := len(f.Str)
		if s > schema.MaxStrLen {
			s = schema.MaxStrLen
		}
		return 2 + s
	case schema.Blob:
		return 4 + len(f.Blob)
	default:
		return 0
	}
}

// Deserialize parses a canonical payload and returns the record plus the
// number of bytes consumed.
func Deserialize(buf []byte) (*Record, int, error) {
	if len(buf) < headerSize {
		return nil, 0, ErrTruncated
	}
	r := &Record{
		RowID:      binary.LittleEndian.Uint64(buf[0:8]),
		TableID:    binary.LittleEndian.Uint32(buf[8:12]),
		FieldCount: binary.LittleEndian.Uint32(buf[12:16]),
	}
	if r.FieldCount > schema.MaxColumns {
		return nil, 0, ErrTruncated
	}
	n := headerSize
	for i := 0; i < int(r.FieldCount); i++ {
		if n >= len(buf) {
			return nil, 0, ErrTruncated
		}
		tag := buf[n]
		n++
		if tag == tagNull {
			continue
		}
		f := &Field{Type: schema.ColumnType(tag)}
		switch f.Type {
		case schema.U8:
			if n+1 > len(buf) {
				return nil, 0, ErrTruncated
			}
			f.Uint = uint64(buf[n])
			n++
		case schema.U32:
			if n+4 > len(buf) {
				return nil, 0, ErrTruncated
			}
			f.Uint = uint64(binary.LittleEndian.Uint32(buf[n:]))
			n += 4
		case schema.U64:
			if n+8 > len(buf) {
				return nil, 0, ErrTruncated
			}
			f.Uint = binary.LittleEndian.Uint64(buf[n:])
			n += 8
		case schema.I64:
			if n+8 > len(buf) {
				return nil, 0, ErrTruncated
			}
			f.Int = int64(binary.LittleEndian.Uint64(buf[n:]))
			n += 8
		case schema.Bool:
			if n+1 > len(buf) {
				return nil, 0, ErrTruncated
			}
			f.Bool = buf[n] != 0
			n++
		case schema.Str:
			if n+2 > len(buf) {
				return nil, 0, ErrTruncated
			}
			l := int(binary.LittleEndian.Uint16(buf[n:]))
			n += 2
			if l > schema.MaxStrLen || n+l > len(buf) {
				return nil, 0, ErrTruncated
			}
			f.Str = string(buf[n : n+l])
			n += l
		case schema.Blob:
			if n+4 > len(buf) {
				return nil, 0, ErrTruncated
			}
			l := int(binary.LittleEndian.Uint32(buf[n:]))
			n += 4
			if n+l > len(buf) {
				return nil, 0, ErrTruncated
			}
			f.Blob = append([]byte(nil), buf[n:n+l]...)
			n += l
		default:
			return nil, 0, ErrBadTag
		}
		r.Fields[i] = f
	}
	return r, n, nil
}
