package odb

import (
	"sort"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

// ColumnType names the datum types a column may hold.
type ColumnType string

// Column types.
const (
	TypeInteger ColumnType = "integer"
	TypeReal    ColumnType = "real"
	TypeBoolean ColumnType = "boolean"
	TypeString  ColumnType = "string"
	TypeUUID    ColumnType = "uuid"
)

// validColumnType reports whether t names a supported type.
func validColumnType(t ColumnType) bool {
	switch t {
	case TypeInteger, TypeReal, TypeBoolean, TypeString, TypeUUID:
		return true
	default:
		return false
	}
}

// columnIndexUUID is the index of the implicit row-UUID column. It is
// never serialized into a transaction delta.
const columnIndexUUID = 0

// Column describes one column of a table schema.
type Column struct {
	Name string

	// Index is the column's slot in [Row.Fields]. Index 0 is reserved
	// for the implicit row UUID.
	Index int

	Type ColumnType

	// Persistent columns are written to disk; ephemeral ones are not.
	Persistent bool
}

// TableSchema describes one table: its name and columns keyed by name.
type TableSchema struct {
	Name    string
	Columns map[string]*Column

	// nColumns counts columns including the implicit UUID slot, so a
	// row's field slice is this long.
	nColumns int
}

// Column returns the named column, or nil.
func (ts *TableSchema) Column(name string) *Column {
	return ts.Columns[name]
}

// Schema describes a whole database: its name, authored version and
// checksum strings, and tables keyed by name.
//
// Version and Cksum are properties of the schema as authored, not of any
// file it is stored in; they are carried through verbatim.
type Schema struct {
	Name    string
	Version string
	Cksum   string
	Tables  map[string]*TableSchema
}

// SchemaFromJSON parses a schema from a decoded JSON value (the shape of
// a log's record 0).
func SchemaFromJSON(value any) (*Schema, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, syntaxErrf("schema must be a JSON object")
	}

	name, ok := obj["name"].(string)
	if !ok || name == "" {
		return nil, syntaxErrf("schema has no \"name\" member")
	}

	schema := &Schema{
		Name:   name,
		Tables: make(map[string]*TableSchema),
	}

	if version, present := obj["version"]; present {
		schema.Version, ok = version.(string)
		if !ok {
			return nil, syntaxErrf("schema \"version\" must be a string")
		}
	}

	if cksum, present := obj["cksum"]; present {
		schema.Cksum, ok = cksum.(string)
		if !ok {
			return nil, syntaxErrf("schema \"cksum\" must be a string")
		}
	}

	tables, ok := obj["tables"].(map[string]any)
	if !ok {
		return nil, syntaxErrf("schema has no \"tables\" member")
	}

	for tableName, tableValue := range tables {
		tableSchema, err := tableSchemaFromJSON(tableName, tableValue)
		if err != nil {
			return nil, wrapErr(err, "table %s", tableName)
		}

		schema.Tables[tableName] = tableSchema
	}

	return schema, nil
}

func tableSchemaFromJSON(name string, value any) (*TableSchema, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, syntaxErrf("table schema must be a JSON object")
	}

	columns, ok := obj["columns"].(map[string]any)
	if !ok {
		return nil, syntaxErrf("table schema has no \"columns\" member")
	}

	if len(columns) == 0 {
		return nil, syntaxErrf("table must have at least one column")
	}

	ts := &TableSchema{
		Name:    name,
		Columns: make(map[string]*Column, len(columns)),
	}

	// Column indexes are assigned in sorted name order so that equal
	// schemas assign equal indexes regardless of JSON key order.
	names := make([]string, 0, len(columns))
	for columnName := range columns {
		names = append(names, columnName)
	}

	sort.Strings(names)

	for i, columnName := range names {
		column, err := columnFromJSON(columnName, columns[columnName])
		if err != nil {
			return nil, wrapErr(err, "column %s", columnName)
		}

		column.Index = columnIndexUUID + 1 + i
		ts.Columns[columnName] = column
	}

	ts.nColumns = len(names) + 1

	return ts, nil
}

func columnFromJSON(name string, value any) (*Column, error) {
	if name == "" || name[0] == '_' {
		return nil, syntaxErrf("column name %q is reserved", name)
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, syntaxErrf("column schema must be a JSON object")
	}

	typeName, ok := obj["type"].(string)
	if !ok {
		return nil, syntaxErrf("column schema has no \"type\" member")
	}

	columnType := ColumnType(typeName)
	if !validColumnType(columnType) {
		return nil, syntaxErrf("unknown column type %q", typeName)
	}

	ephemeral := false

	if e, present := obj["ephemeral"]; present {
		ephemeral, ok = e.(bool)
		if !ok {
			return nil, syntaxErrf("column \"ephemeral\" must be a boolean")
		}
	}

	return &Column{
		Name:       name,
		Type:       columnType,
		Persistent: !ephemeral,
	}, nil
}

// ToJSON returns the schema's JSON value, suitable for a log's record 0.
func (s *Schema) ToJSON() any {
	tables := make(map[string]any, len(s.Tables))

	for tableName, ts := range s.Tables {
		columns := make(map[string]any, len(ts.Columns))

		for columnName, column := range ts.Columns {
			columnJSON := map[string]any{"type": string(column.Type)}
			if !column.Persistent {
				columnJSON["ephemeral"] = true
			}

			columns[columnName] = columnJSON
		}

		tables[tableName] = map[string]any{"columns": columns}
	}

	obj := map[string]any{
		"name":   s.Name,
		"tables": tables,
	}

	if s.Version != "" {
		obj["version"] = s.Version
	}

	if s.Cksum != "" {
		obj["cksum"] = s.Cksum
	}

	return obj
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	clone := &Schema{
		Name:    s.Name,
		Version: s.Version,
		Cksum:   s.Cksum,
		Tables:  make(map[string]*TableSchema, len(s.Tables)),
	}

	for tableName, ts := range s.Tables {
		tsClone := &TableSchema{
			Name:     ts.Name,
			Columns:  make(map[string]*Column, len(ts.Columns)),
			nColumns: ts.nColumns,
		}

		for columnName, column := range ts.Columns {
			columnClone := *column
			tsClone.Columns[columnName] = &columnClone
		}

		clone.Tables[tableName] = tsClone
	}

	return clone
}

// Equal reports whether two schemas are semantically identical: same
// name, version, checksum, tables, and columns.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}

	if s.Name != other.Name || s.Version != other.Version || s.Cksum != other.Cksum {
		return false
	}

	if len(s.Tables) != len(other.Tables) {
		return false
	}

	for tableName, ts := range s.Tables {
		otherTS, ok := other.Tables[tableName]
		if !ok || len(ts.Columns) != len(otherTS.Columns) {
			return false
		}

		for columnName, column := range ts.Columns {
			otherColumn, ok := otherTS.Columns[columnName]
			if !ok {
				return false
			}

			if column.Type != otherColumn.Type || column.Persistent != otherColumn.Persistent {
				return false
			}
		}
	}

	return true
}

// SchemaFromFile reads a schema from a standalone schema file.
//
// Schema files are authored by humans, so they are parsed as JWCC
// ("JSON with commas and comments") and standardized before decoding.
func SchemaFromFile(fsys fs.FS, path string) (*Schema, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, ioErrf(err, "%s: failed to read schema", path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, syntaxErrf("%s: invalid JSON: %v", path, err)
	}

	value, err := unmarshalJSON(standardized)
	if err != nil {
		return nil, syntaxErrf("%s: invalid JSON: %v", path, err)
	}

	schema, err := SchemaFromJSON(value)
	if err != nil {
		return nil, wrapErr(err, "%s: failed to parse schema", path)
	}

	return schema, nil
}
