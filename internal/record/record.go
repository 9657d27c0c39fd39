// Package record holds the row model of the engine: typed field values, the
// canonical byte codec, and the encrypted at-rest form.
package record

import (
	"encoding/hex"
	"strconv"

	"github.com/sotomayorlucas/vaultos/internal/schema"
	"github.com/sotomayorlucas/vaultos/internal/vcrypto"
)

// Field is one typed column value. Exactly one payload member is
// meaningful, selected by Type.
type Field struct {
	Type schema.ColumnType
	Uint uint64 // U8, U32, U64
	Int  int64  // I64
	Bool bool
	Str  string
	Blob []byte
}

// Record is a decrypted row. Fields slots beyond FieldCount are ignored;
// slots within FieldCount may be nil (column never assigned).
type Record struct {
	RowID      uint64
	TableID    uint32
	FieldCount uint32
	Fields     [schema.MaxColumns]*Field
}

// New returns an empty record bound to a table.
func New(tableID uint32) *Record {
	return &Record{TableID: tableID}
}

func (r *Record) SetU64(i int, v uint64) {
	r.Fields[i] = &Field{Type: schema.U64, Uint: v}
}

func (r *Record) SetU32(i int, v uint32) {
	r.Fields[i] = &Field{Type: schema.U32, Uint: uint64(v)}
}

func (r *Record) SetU8(i int, v uint8) {
	r.Fields[i] = &Field{Type: schema.U8, Uint: uint64(v)}
}

func (r *Record) SetI64(i int, v int64) {
	r.Fields[i] = &Field{Type: schema.I64, Int: v}
}

func (r *Record) SetBool(i int, v bool) {
	r.Fields[i] = &Field{Type: schema.Bool, Bool: v}
}

// SetStr stores s, truncated to the engine string limit.
func (r *Record) SetStr(i int, s string) {
	if len(s) > schema.MaxStrLen {
		s = s[:schema.MaxStrLen]
	}
	r.Fields[i] = &Field{Type: schema.Str, Str: s}
}

func (r *Record) SetBlob(i int, b []byte) {
	r.Fields[i] = &Field{Type: schema.Blob, Blob: b}
}

// String renders a field for display.
func (f *Field) String() string {
	switch f.Type {
	case schema.U8, schema.U32, schema.U64:
		return strconv.FormatUint(f.Uint, 10)
	case schema.I64:
		return strconv.FormatInt(f.Int, 10)
	case schema.Bool:
		if f.Bool {
			return "true"
		}
		return "false"
	case schema.Str:
		return f.Str
	case schema.Blob:
		return hex.EncodeToString(f.Blob)
	default:
		return ""
	}
}

// Clone deep-copies the record.
func (r *Record) Clone() *Record {
	out := &Record{RowID: r.RowID, TableID: r.TableID, FieldCount: r.FieldCount}
	for i, f := range r.Fields {
		if f == nil {
			continue
		}
		cp := *f
		if f.Blob != nil {
			cp.Blob = append([]byte(nil), f.Blob...)
		}
		out.Fields[i] = &cp
	}
	return out
}

// Encrypted is the at-rest form of a record: the ciphertext of the
// canonical payload plus the material needed to authenticate and place it.
// Block is the first on-disk block of its page chain; 0 means not yet
// persisted.
type Encrypted struct {
	RowID      uint64
	TableID    uint32
	IV         [vcrypto.BlockSize]byte
	MAC        [vcrypto.MACSize]byte
	Ciphertext []byte
	Block      uint64
}
