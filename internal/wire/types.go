package wire

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// Type describes a PostgreSQL data type as reported in RowDescription and
// pg_type introspection. Size is the typlen (-1 for varlena, -2 for
// cstring-terminated). ArrayOID is zero when no array form is exposed.
type Type struct {
	Name     string
	OID      uint32
	Size     int16
	ArrayOID uint32
	Typtype  byte
}

// Built-in types used by the canned result sets. OIDs come from pgtype so
// they track the catalog; xml and a few array OIDs predate their pgtype
// constants and are spelled out.
var (
	TypeBool        = Type{"bool", pgtype.BoolOID, 1, pgtype.BoolArrayOID, 'b'}
	TypeBytea       = Type{"bytea", pgtype.ByteaOID, -1, pgtype.ByteaArrayOID, 'b'}
	TypeName        = Type{"name", pgtype.NameOID, 64, pgtype.NameArrayOID, 'b'}
	TypeInt8        = Type{"int8", pgtype.Int8OID, 8, pgtype.Int8ArrayOID, 'b'}
	TypeInt2        = Type{"int2", pgtype.Int2OID, 2, pgtype.Int2ArrayOID, 'b'}
	TypeInt4        = Type{"int4", pgtype.Int4OID, 4, pgtype.Int4ArrayOID, 'b'}
	TypeText        = Type{"text", pgtype.TextOID, -1, pgtype.TextArrayOID, 'b'}
	TypeOID         = Type{"oid", pgtype.OIDOID, 4, pgtype.OIDArrayOID, 'b'}
	TypeJSON        = Type{"json", pgtype.JSONOID, -1, pgtype.JSONArrayOID, 'b'}
	TypeXML         = Type{"xml", 142, -1, 143, 'b'}
	TypeFloat4      = Type{"float4", pgtype.Float4OID, 4, pgtype.Float4ArrayOID, 'b'}
	TypeFloat8      = Type{"float8", pgtype.Float8OID, 8, pgtype.Float8ArrayOID, 'b'}
	TypeUnknown     = Type{"unknown", pgtype.UnknownOID, -2, 0, 'p'}
	TypeInet        = Type{"inet", pgtype.InetOID, -1, pgtype.InetArrayOID, 'b'}
	TypeBPChar      = Type{"bpchar", pgtype.BPCharOID, -1, pgtype.BPCharArrayOID, 'b'}
	TypeVarchar     = Type{"varchar", pgtype.VarcharOID, -1, pgtype.VarcharArrayOID, 'b'}
	TypeDate        = Type{"date", pgtype.DateOID, 4, pgtype.DateArrayOID, 'b'}
	TypeTime        = Type{"time", pgtype.TimeOID, 8, pgtype.TimeArrayOID, 'b'}
	TypeTimestamp   = Type{"timestamp", pgtype.TimestampOID, 8, pgtype.TimestampArrayOID, 'b'}
	TypeTimestamptz = Type{"timestamptz", pgtype.TimestamptzOID, 8, pgtype.TimestamptzArrayOID, 'b'}
	TypeInterval    = Type{"interval", pgtype.IntervalOID, 16, pgtype.IntervalArrayOID, 'b'}
	TypeNumeric     = Type{"numeric", pgtype.NumericOID, -1, pgtype.NumericArrayOID, 'b'}
	TypeUUID        = Type{"uuid", pgtype.UUIDOID, 16, pgtype.UUIDArrayOID, 'b'}
	TypeJSONB       = Type{"jsonb", pgtype.JSONBOID, -1, pgtype.JSONBArrayOID, 'b'}
	TypeRecord      = Type{"record", pgtype.RecordOID, -1, pgtype.RecordArrayOID, 'p'}
)

var builtinTypes = []Type{
	TypeBool, TypeBytea, TypeName, TypeInt8, TypeInt2, TypeInt4, TypeText,
	TypeOID, TypeJSON, TypeXML, TypeFloat4, TypeFloat8, TypeUnknown, TypeInet,
	TypeBPChar, TypeVarchar, TypeDate, TypeTime, TypeTimestamp,
	TypeTimestamptz, TypeInterval, TypeNumeric, TypeUUID, TypeJSONB,
	TypeRecord,
}

// typeAliases maps SQL spellings to catalog names.
var typeAliases = map[string]string{
	"boolean":           "bool",
	"smallint":          "int2",
	"int":               "int4",
	"integer":           "int4",
	"bigint":            "int8",
	"real":              "float4",
	"float":             "float8",
	"double precision":  "float8",
	"decimal":           "numeric",
	"character":         "bpchar",
	"char":              "bpchar",
	"character varying": "varchar",
	"timestamp with time zone":    "timestamptz",
	"timestamp without time zone": "timestamp",
}

// TypeRegistry resolves types by name or OID. It merges the built-in
// catalog with custom types supplied through configuration. Registration
// happens at construction; lookups are read-only and need no locking.
type TypeRegistry struct {
	byName map[string]Type
	byOID  map[uint32]Type
	custom []Type
}

// NewTypeRegistry builds a registry seeded with the built-in catalog.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]Type, len(builtinTypes)),
		byOID:  make(map[uint32]Type, len(builtinTypes)),
	}
	for _, t := range builtinTypes {
		r.byName[t.Name] = t
		r.byOID[t.OID] = t
		if t.ArrayOID != 0 {
			at := arrayOf(t)
			r.byName[at.Name] = at
			r.byOID[at.OID] = at
		}
	}
	return r
}

// Register adds a custom type. Name and OID must not collide with the
// catalog or an earlier registration.
func (r *TypeRegistry) Register(t Type) error {
	name := strings.ToLower(t.Name)
	if name == "" || t.OID == 0 {
		return fmt.Errorf("custom type needs a name and an oid")
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("type name %q already registered", name)
	}
	if _, ok := r.byOID[t.OID]; ok {
		return fmt.Errorf("type oid %d already registered", t.OID)
	}
	if t.Typtype == 0 {
		t.Typtype = 'b'
	}
	t.Name = name
	r.byName[name] = t
	r.byOID[t.OID] = t
	r.custom = append(r.custom, t)
	return nil
}

// ByName resolves a type by its SQL name or alias, case-insensitively.
func (r *TypeRegistry) ByName(name string) (Type, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := typeAliases[name]; ok {
		name = canonical
	}
	t, ok := r.byName[name]
	return t, ok
}

// ByOID resolves a type by OID.
func (r *TypeRegistry) ByOID(oid uint32) (Type, bool) {
	t, ok := r.byOID[oid]
	return t, ok
}

// ArrayType returns the array form of t when the catalog defines one.
func (r *TypeRegistry) ArrayType(t Type) (Type, bool) {
	if t.ArrayOID == 0 {
		return Type{}, false
	}
	return arrayOf(t), true
}

// Custom lists the configured custom types in registration order.
func (r *TypeRegistry) Custom() []Type {
	out := make([]Type, len(r.custom))
	copy(out, r.custom)
	return out
}

// All lists every registered type ordered by OID, for pg_type results.
func (r *TypeRegistry) All() []Type {
	out := make([]Type, 0, len(r.byOID))
	for _, t := range r.byOID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out
}

func arrayOf(t Type) Type {
	return Type{Name: "_" + t.Name, OID: t.ArrayOID, Size: -1, Typtype: 'b'}
}
