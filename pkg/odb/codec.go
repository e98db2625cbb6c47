package odb

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Reserved keys in a transaction delta. They are never table names.
const (
	deltaKeyDate    = "_date"
	deltaKeyComment = "_comment"
)

// fileTxn accumulates the JSON delta for one transaction as rows are
// added. json stays nil until the first persisted row, so an all-no-op
// transaction produces no record at all.
type fileTxn struct {
	json      map[string]any
	tableJSON map[string]any
	table     *Table
}

// addRow folds one row change into the delta:
//
//   - delete: JSON null under the row's UUID
//   - insert: object with every persistent, non-UUID, non-default column
//   - modify: object with every persistent, non-UUID column marked changed
//
// A modify whose object would be empty is omitted entirely.
func (ft *fileTxn) addRow(change Change) {
	var (
		rowValue any
		keep     bool
	)

	if change.New == nil {
		rowValue, keep = nil, true
	} else {
		var row map[string]any

		// An insert always produces an object, even an empty one.
		if change.Old == nil {
			row = make(map[string]any)
		}

		for _, column := range change.New.Table.Schema.Columns {
			idx := column.Index
			if idx == columnIndexUUID || !column.Persistent {
				continue
			}

			persist := false
			if change.Old != nil {
				persist = change.Changed[idx]
			} else {
				persist = !change.New.Fields[idx].isDefault(column.Type)
			}

			if persist {
				if row == nil {
					row = make(map[string]any)
				}

				row[column.Name] = change.New.Fields[idx].toJSON(column.Type)
			}
		}

		if row != nil {
			rowValue, keep = row, true
		}
	}

	if !keep {
		return
	}

	table := change.Table

	if table != ft.table {
		if ft.json == nil {
			ft.json = make(map[string]any)
		}

		// Changes may revisit a table; keep appending to its object.
		existing, ok := ft.json[table.Schema.Name].(map[string]any)
		if !ok {
			existing = make(map[string]any)
			ft.json[table.Schema.Name] = existing
		}

		ft.tableJSON = existing
		ft.table = table
	}

	rowID := change.New
	if rowID == nil {
		rowID = change.Old
	}

	ft.tableJSON[rowID.UUID.String()] = rowValue
}

// encodeTxn runs the transaction's change iterator through the encoder.
func encodeTxn(txn *Txn) *fileTxn {
	ft := &fileTxn{}

	txn.ForEachChange(func(change Change) bool {
		ft.addRow(change)

		return true
	})

	return ft
}

// commitFileTxn finalizes a delta (stamping _date and _comment) and
// appends it to the log, fsyncing when durable.
func commitFileTxn(delta map[string]any, comment string, durable bool, log *Log, now func() time.Time) error {
	if delta == nil {
		delta = make(map[string]any)
	}

	if comment != "" {
		delta[deltaKeyComment] = comment
	}

	delta[deltaKeyDate] = now().UnixMilli()

	err := log.Write(delta)
	if err != nil {
		return wrapErr(err, "writing transaction failed")
	}

	if durable {
		err = log.Commit()
		if err != nil {
			return wrapErr(err, "committing transaction failed")
		}
	}

	return nil
}

// txnFromJSON converts a decoded delta value into a transaction over db.
//
// If converting is true, unknown table and column names are silently
// skipped (which eases upgrading and downgrading schemas); otherwise
// they are errors. Any error aborts the transaction: a partial delta
// never reaches the database.
func txnFromJSON(db *Database, value any, converting bool) (*Txn, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, syntaxErrf("object expected")
	}

	txn := NewTxn(db)

	for tableName, tableValue := range obj {
		table := db.Table(tableName)
		if table == nil {
			if tableName == deltaKeyDate && isJSONInteger(tableValue) {
				continue
			}

			if tableName == deltaKeyComment || converting {
				continue
			}

			txn.Abort()

			return nil, newErrf(KindUnknownTable, nil, "no table named %s", tableName)
		}

		err := txnTableFromJSON(txn, table, converting, tableValue)
		if err != nil {
			txn.Abort()

			return nil, wrapErr(err, "table %s", tableName)
		}
	}

	return txn, nil
}

func txnTableFromJSON(txn *Txn, table *Table, converting bool, value any) error {
	rows, ok := value.(map[string]any)
	if !ok {
		return syntaxErrf("object expected")
	}

	for uuidString, rowValue := range rows {
		rowUUID, err := uuid.Parse(uuidString)
		if err != nil {
			return syntaxErrf("%q is not a valid UUID", uuidString)
		}

		err = txnRowFromJSON(txn, table, converting, rowUUID, rowValue)
		if err != nil {
			return err
		}
	}

	return nil
}

func txnRowFromJSON(txn *Txn, table *Table, converting bool, rowUUID uuid.UUID, value any) error {
	row := table.Row(rowUUID)

	if value == nil {
		if row == nil {
			return syntaxErrf("transaction deletes row %s that does not exist", rowUUID)
		}

		txn.RowDelete(row)

		return nil
	}

	if row != nil {
		return updateRowFromJSON(txn.RowModify(row), converting, value)
	}

	fresh := NewRow(table)
	fresh.UUID = rowUUID

	err := updateRowFromJSON(fresh, converting, value)
	if err != nil {
		return err
	}

	txn.RowInsert(fresh)

	return nil
}

func updateRowFromJSON(row *Row, converting bool, value any) error {
	columns, ok := value.(map[string]any)
	if !ok {
		return syntaxErrf("row must be JSON object")
	}

	schema := row.Table.Schema

	for columnName, columnValue := range columns {
		column := schema.Column(columnName)
		if column == nil {
			if converting {
				continue
			}

			return newErrf(KindUnknownColumn, nil, "no column %s in table %s",
				columnName, schema.Name)
		}

		datum, err := datumFromJSON(column.Type, columnValue)
		if err != nil {
			return wrapErr(err, "column %s", columnName)
		}

		row.SetField(column.Index, datum)
	}

	return nil
}

// isJSONInteger reports whether value is a JSON number holding an
// integer.
func isJSONInteger(value any) bool {
	number, ok := value.(json.Number)
	if !ok {
		return false
	}

	_, err := strconv.ParseInt(number.String(), 10, 64)

	return err == nil
}
