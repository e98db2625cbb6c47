package odb

import (
	"time"
)

// writeSnapshot serializes an entire database into a fresh, empty log:
// the schema as record 0, then a single transaction delta holding every
// live row as if freshly inserted, committed durably.
//
// The result satisfies the database-file invariant that record 0 is the
// schema and record 1 is the sole snapshot.
func writeSnapshot(log *Log, comment string, db *Database, clock func() time.Time) error {
	err := log.Write(db.Schema.ToJSON())
	if err != nil {
		return wrapErr(err, "writing schema failed")
	}

	ft := &fileTxn{}

	for _, table := range db.Tables {
		for _, row := range table.Rows {
			ft.addRow(Change{Table: table, Old: nil, New: row})
		}
	}

	return commitFileTxn(ft.json, comment, true, log, clock)
}
