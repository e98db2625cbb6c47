package odb

import (
	"github.com/google/uuid"
)

// Row is one row of a table. Fields is indexed by [Column.Index]; slot
// 0 is reserved for the implicit UUID column and stays zero.
type Row struct {
	Table  *Table
	UUID   uuid.UUID
	Fields []Datum
}

// NewRow creates a fresh row for a table with every column at its
// default value and a nil UUID. The row is not inserted anywhere until
// it goes through a transaction.
func NewRow(table *Table) *Row {
	return &Row{
		Table:  table,
		Fields: make([]Datum, table.Schema.nColumns),
	}
}

// clone returns a copy of the row sharing nothing mutable with the
// original.
func (r *Row) clone() *Row {
	fields := make([]Datum, len(r.Fields))
	copy(fields, r.Fields)

	return &Row{
		Table:  r.Table,
		UUID:   r.UUID,
		Fields: fields,
	}
}

// Field returns the datum in the given column slot.
func (r *Row) Field(index int) Datum {
	return r.Fields[index]
}

// SetField stores a datum in the given column slot.
func (r *Row) SetField(index int, d Datum) {
	r.Fields[index] = d
}
