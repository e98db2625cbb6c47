package odb

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

// miniSchemaJSON is the schema used throughout these tests: one table T
// with a string column k and an integer column v.
const miniSchemaJSON = `{"name":"mini","version":"1.0.0","cksum":"12345 67",` +
	`"tables":{"T":{"columns":{"k":{"type":"string"},"v":{"type":"integer"}}}}}`

func miniSchema(t *testing.T) *Schema {
	t.Helper()

	value, err := ParseJSON([]byte(miniSchemaJSON))
	require.NoError(t, err)

	schema, err := SchemaFromJSON(value)
	require.NoError(t, err)

	return schema
}

// newTestDB creates a fresh database log at a temp path holding only the
// mini schema record, the way the create command does.
func newTestDB(t *testing.T) (fs.FS, string) {
	t.Helper()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.db")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)

	require.NoError(t, log.Write(miniSchema(t).ToJSON()))
	require.NoError(t, log.Commit())
	log.Close()

	return fsys, path
}

// countRecords reads the log at path and returns its record count.
func countRecords(t *testing.T, fsys fs.FS, path string) int {
	t.Helper()

	log, err := OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	defer log.Close()

	n := 0

	for {
		_, ok, err := log.Read()
		require.NoError(t, err)

		if !ok {
			return n
		}

		n++
	}
}

// dumpDB renders a database's rows as nested maps for comparison with
// go-cmp: table -> row UUID -> column name -> JSON value.
func dumpDB(db *Database) map[string]map[string]map[string]any {
	dump := make(map[string]map[string]map[string]any)

	for tableName, table := range db.Tables {
		rows := make(map[string]map[string]any)

		for id, row := range table.Rows {
			columns := make(map[string]any)

			for _, column := range table.Schema.Columns {
				columns[column.Name] = row.Fields[column.Index].toJSON(column.Type)
			}

			rows[id.String()] = columns
		}

		dump[tableName] = rows
	}

	return dump
}

// insertRow commits one insert of (k, v) under the given UUID into
// table T, durably.
func insertRow(t *testing.T, db *Database, id uuid.UUID, k string, v int64) {
	t.Helper()

	table := db.Table("T")
	require.NotNil(t, table)

	row := NewRow(table)
	row.UUID = id
	setColumn(t, row, "k", Datum{value: k})
	setColumn(t, row, "v", Datum{value: v})

	txn := NewTxn(db)
	txn.RowInsert(row)
	require.NoError(t, txn.Commit(true))
}

func setColumn(t *testing.T, row *Row, name string, d Datum) {
	t.Helper()

	column := row.Table.Schema.Column(name)
	require.NotNil(t, column)

	row.SetField(column.Index, d)
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()

	id, err := uuid.Parse(s)
	require.NoError(t, err)

	return id
}

const (
	uuidA = "550e8400-e29b-41d4-a716-446655440000"
	uuidB = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	uuidC = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
)
