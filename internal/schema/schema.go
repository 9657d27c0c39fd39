// Package schema defines table schemas, column definitions, and the shared
// limits of the storage engine. Schemas are fixed at table creation; there
// is no evolution after that.
package schema

import "strings"

// Engine-wide limits. These bound every fixed buffer in the pipeline.
const (
	MaxTables     = 64
	MaxColumns    = 16
	MaxTableName  = 64 // name ≤ 63 bytes
	MaxColumnName = 32
	MaxStrLen     = 255
	MaxWhereConds = 8
	MaxInsertVals = 16
	MaxRecordSize = 8192
)

// ColumnType enumerates the storable field types. The numeric values are
// the serialization tags of the record codec and must not be reordered.
type ColumnType uint8

const (
	U64 ColumnType = iota
	I64
	Str
	Blob
	Bool
	U32
	U8
)

// String returns the type name as rendered by DESCRIBE.
func (t ColumnType) String() string {
	switch t {
	case U64:
		return "U64"
	case I64:
		return "I64"
	case Str:
		return "STR"
	case Blob:
		return "BLOB"
	case Bool:
		return "BOOL"
	case U32:
		return "U32"
	case U8:
		return "U8"
	default:
		return "UNKNOWN"
	}
}

// Column is a single column definition.
type Column struct {
	Name       string
	Type       ColumnType
	PrimaryKey bool
	NotNull    bool
}

// Table describes one table: its dense id, flags, and ordered columns.
// TableID always equals the table's slot index in the engine registry.
type Table struct {
	TableID     uint32
	Name        string
	Encrypted   bool
	SystemTable bool
	Columns     []Column
}

// ColumnIndex returns the index of the named column, or -1. Column names
// compare case-insensitively, like table names.
func (t *Table) ColumnIndex(name string) int {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return i
		}
	}
	return -1
}

// Well-known system table ids, assigned in boot registration order.
// The order is ABI: persisted data addresses tables by these ids.
const (
	TableIDSystem = iota
	TableIDProcess
	TableIDCapability
	TableIDObject
	TableIDMessage
	TableIDAudit
)

// SystemTables returns the six boot schemas in registration order.
// Column shapes are part of the engine ABI.
func SystemTables() []Table {
	return []Table{
		{
			Name: "SystemTable", Encrypted: true, SystemTable: true,
			Columns: []Column{
				{Name: "id", Type: U64, PrimaryKey: true},
				{Name: "key", Type: Str, NotNull: true},
				{Name: "value", Type: Str},
				{Name: "created", Type: U64},
			},
		},
		{
			Name: "ProcessTable", Encrypted: true, SystemTable: true,
			Columns: []Column{
				{Name: "pid", Type: U64, PrimaryKey: true},
				{Name: "name", Type: Str},
				{Name: "state", Type: Str},
				{Name: "priority", Type: U32},
				{Name: "cap_root", Type: U64},
				{Name: "created", Type: U64},
			},
		},
		{
			Name: "CapabilityTable", Encrypted: true, SystemTable: true,
			Columns: []Column{
				{Name: "cap_id", Type: U64, PrimaryKey: true},
				{Name: "object_id", Type: U64},
				{Name: "owner_pid", Type: U64},
				{Name: "rights", Type: U32},
				{Name: "parent_id", Type: U64},
				{Name: "revoked", Type: Bool},
				{Name: "created", Type: U64},
			},
		},
		{
			Name: "ObjectTable", Encrypted: true,
			Columns: []Column{
				{Name: "obj_id", Type: U64, PrimaryKey: true},
				{Name: "name", Type: Str, NotNull: true},
				{Name: "type", Type: Str},
				{Name: "data", Type: Str},
				{Name: "owner_pid", Type: U64},
				{Name: "size", Type: U64},
				{Name: "created", Type: U64},
			},
		},
		{
			Name: "MessageTable", Encrypted: true, SystemTable: true,
			Columns: []Column{
				{Name: "msg_id", Type: U64, PrimaryKey: true},
				{Name: "src_pid", Type: U64},
				{Name: "dst_pid", Type: U64},
				{Name: "type", Type: Str},
				{Name: "payload", Type: Str},
				{Name: "delivered", Type: Bool},
			},
		},
		{
			Name: "AuditTable", Encrypted: true, SystemTable: true,
			Columns: []Column{
				{Name: "audit_id", Type: U64, PrimaryKey: true},
				{Name: "timestamp", Type: U64},
				{Name: "pid", Type: U64},
				{Name: "action", Type: Str},
				{Name: "target_id", Type: U64},
				{Name: "result", Type: Str},
			},
		},
	}
}
