// Package odb implements the on-disk persistence core of an operational
// state database: an append-only log of checksummed JSON records holding
// a schema followed by transaction deltas, the machinery that replays
// such a log into a live in-memory database, and the compaction that
// periodically rewrites the log as a compact snapshot.
//
// The main entry points are [OpenFile] (log on disk -> live [Database]
// plus a [File] that accepts further commits), [OpenLog] (the raw record
// container), and [ShowLog] (human-readable log inspection).
package odb

import (
	"github.com/google/uuid"
)

// Database is a live in-memory database: a schema and its tables.
//
// A Database opened through [OpenFile] carries a reference to its backing
// [File] so transactions committed against it are appended to the log.
// The file owns the log; the Database is shared with the caller and is
// never destroyed by closing the file.
type Database struct {
	Schema *Schema
	Tables map[string]*Table

	// file is non-nil while the database is backed by an open log.
	file *File
}

// NewDatabase constructs an empty database from a schema. The schema is
// used as-is; callers that need to keep their copy should clone first.
func NewDatabase(schema *Schema) *Database {
	db := &Database{
		Schema: schema,
		Tables: make(map[string]*Table, len(schema.Tables)),
	}

	for name, ts := range schema.Tables {
		db.Tables[name] = &Table{
			Schema: ts,
			Rows:   make(map[uuid.UUID]*Row),
		}
	}

	return db
}

// Table returns the named table, or nil.
func (db *Database) Table(name string) *Table {
	return db.Tables[name]
}

// File returns the backing file while the database is file-backed, or
// nil for a purely in-memory database.
func (db *Database) File() *File {
	return db.file
}

// Table holds the live rows of one table, keyed by row UUID.
type Table struct {
	Schema *TableSchema
	Rows   map[uuid.UUID]*Row
}

// Row returns the row with the given UUID, or nil.
func (t *Table) Row(id uuid.UUID) *Row {
	return t.Rows[id]
}
