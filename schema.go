package niledb

import "fmt"

// ColType enumerates the column types a table schema can declare. Every
// type maps onto one of the typed fields a composite index key can carry
// (internal/pager.IndexField), so any column — not just ones actually
// indexed — can be used to build an index later without a storage-level
// migration.
type ColType int

const (
	ColInvalid ColType = iota
	ColBool    // stored as a 0/1 Int32
	ColInt32
	ColInt64
	ColFloat32
	ColText
)

func (t ColType) String() string {
	switch t {
	case ColBool:
		return "BOOL"
	case ColInt32:
		return "INT"
	case ColInt64:
		return "BIGINT"
	case ColFloat32:
		return "FLOAT"
	case ColText:
		return "VARCHAR"
	default:
		return "INVALID"
	}
}

// ColumnDef describes one column of a table, including the constraint
// bitmap the catalog persists per spec's NILEDB_META_DATA layout
// (nullable, primary, foreign, unique).
type ColumnDef struct {
	Name       string
	Type       ColType
	Nullable   bool
	PrimaryKey bool
	ForeignKey bool
	Unique     bool
}

// Schema is the in-memory, ordered column list for one table. Column
// offset within a Schema is positional: the Nth ColumnDef occupies the
// Nth slot of every Tuple and every encoded record for that table.
type Schema struct {
	TableName string
	Columns   []ColumnDef
}

// ColIndex returns the position of name within the schema, or -1.
func (s *Schema) ColIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) validate(tuple Tuple) error {
	if len(tuple) != len(s.Columns) {
		return newErr(KindSchemaMismatch, "validate", fmt.Errorf("table %q expects %d columns, got %d", s.TableName, len(s.Columns), len(tuple)))
	}
	for i, c := range s.Columns {
		v := tuple[i]
		if v.Null {
			if !c.Nullable {
				return newErr(KindSchemaMismatch, "validate", fmt.Errorf("column %q is not nullable", c.Name))
			}
			continue
		}
		if v.typeOf() != c.Type {
			return newErr(KindSchemaMismatch, "validate", fmt.Errorf("column %q expects %s, got %s", c.Name, c.Type, v.typeOf()))
		}
	}
	return nil
}

// Value is one typed cell of a Tuple. Exactly one of the typed fields is
// meaningful, selected by Null/Type; this mirrors IndexField's shape on
// purpose so a Value can be turned into a composite key field without an
// intermediate representation.
type Value struct {
	Null    bool
	Type    ColType
	Bool    bool
	I32     int32
	I64     int64
	F32     float32
	Text    string
}

func (v Value) typeOf() ColType {
	if v.Type == ColBool {
		return ColBool
	}
	return v.Type
}

func NullValue(t ColType) Value    { return Value{Null: true, Type: t} }
func BoolValue(b bool) Value       { return Value{Type: ColBool, Bool: b} }
func Int32Value(i int32) Value     { return Value{Type: ColInt32, I32: i} }
func Int64Value(i int64) Value     { return Value{Type: ColInt64, I64: i} }
func Float32Value(f float32) Value { return Value{Type: ColFloat32, F32: f} }
func TextValue(s string) Value     { return Value{Type: ColText, Text: s} }

// Tuple is one row of column values, in schema order.
type Tuple []Value
