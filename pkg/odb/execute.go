package odb

import (
	"sort"

	"github.com/google/uuid"
)

// Execute runs a JSON transaction request against db and returns the
// JSON result array.
//
// The request is an array of operation objects selected by their "op"
// member:
//
//	{"op":"insert", "table":T, "row":{col:value,...}, "uuid":U?}
//	{"op":"update", "table":T, "uuid":U, "row":{col:value,...}}
//	{"op":"delete", "table":T, "uuid":U}
//	{"op":"select", "table":T}
//	{"op":"comment", "comment":S}
//
// Mutations are gathered into a single transaction committed durably at
// the end; readOnly rejects them. Selects observe the state as of the
// start of the request. Any error aborts the whole request: partial
// requests are never committed.
func Execute(db *Database, request any, readOnly bool) (any, error) {
	operations, ok := request.([]any)
	if !ok {
		return nil, syntaxErrf("transaction request must be a JSON array")
	}

	txn := NewTxn(db)
	results := make([]any, 0, len(operations))
	mutated := false

	for i, operationValue := range operations {
		operation, ok := operationValue.(map[string]any)
		if !ok {
			txn.Abort()

			return nil, syntaxErrf("operation %d must be a JSON object", i)
		}

		opName, _ := operation["op"].(string)

		result, didMutate, err := executeOp(db, txn, opName, operation, readOnly)
		if err != nil {
			txn.Abort()

			return nil, wrapErr(err, "operation %d (%s)", i, opName)
		}

		mutated = mutated || didMutate

		results = append(results, result)
	}

	if !mutated || readOnly {
		txn.Abort()

		return results, nil
	}

	err := txn.Commit(true)
	if err != nil {
		return nil, err
	}

	return results, nil
}

func executeOp(db *Database, txn *Txn, opName string, operation map[string]any, readOnly bool) (any, bool, error) {
	switch opName {
	case "insert", "update", "delete":
		if readOnly {
			return nil, false, syntaxErrf("cannot modify the database in read-only mode")
		}
	case "select", "comment":
	default:
		return nil, false, syntaxErrf("unknown operation %q", opName)
	}

	if opName == "comment" {
		comment, ok := operation["comment"].(string)
		if !ok {
			return nil, false, syntaxErrf("\"comment\" member must be a string")
		}

		txn.SetComment(comment)

		return map[string]any{}, true, nil
	}

	table, err := opTable(db, operation)
	if err != nil {
		return nil, false, err
	}

	switch opName {
	case "insert":
		return executeInsert(txn, table, operation)
	case "update":
		return executeUpdate(txn, table, operation)
	case "delete":
		return executeDelete(txn, table, operation)
	default: // select
		return executeSelect(table), false, nil
	}
}

func opTable(db *Database, operation map[string]any) (*Table, error) {
	tableName, ok := operation["table"].(string)
	if !ok {
		return nil, syntaxErrf("\"table\" member must be a string")
	}

	table := db.Table(tableName)
	if table == nil {
		return nil, newErrf(KindUnknownTable, nil, "no table named %s", tableName)
	}

	return table, nil
}

func opUUID(operation map[string]any) (uuid.UUID, error) {
	uuidString, ok := operation["uuid"].(string)
	if !ok {
		return uuid.Nil, syntaxErrf("\"uuid\" member must be a string")
	}

	rowUUID, err := uuid.Parse(uuidString)
	if err != nil {
		return uuid.Nil, syntaxErrf("%q is not a valid UUID", uuidString)
	}

	return rowUUID, nil
}

func executeInsert(txn *Txn, table *Table, operation map[string]any) (any, bool, error) {
	rowValue, present := operation["row"]
	if !present {
		rowValue = map[string]any{}
	}

	rowUUID := uuid.New()

	if _, pinned := operation["uuid"]; pinned {
		var err error

		rowUUID, err = opUUID(operation)
		if err != nil {
			return nil, false, err
		}
	}

	if table.Row(rowUUID) != nil {
		return nil, false, constraintErrf(nil, "row %s already exists in table %s",
			rowUUID, table.Schema.Name)
	}

	fresh := NewRow(table)
	fresh.UUID = rowUUID

	err := updateRowFromJSON(fresh, false, rowValue)
	if err != nil {
		return nil, false, err
	}

	txn.RowInsert(fresh)

	return map[string]any{"uuid": rowUUID.String()}, true, nil
}

func executeUpdate(txn *Txn, table *Table, operation map[string]any) (any, bool, error) {
	rowUUID, err := opUUID(operation)
	if err != nil {
		return nil, false, err
	}

	row := table.Row(rowUUID)
	if row == nil {
		return nil, false, constraintErrf(nil, "no row %s in table %s", rowUUID, table.Schema.Name)
	}

	rowValue, present := operation["row"]
	if !present {
		return nil, false, syntaxErrf("update has no \"row\" member")
	}

	err = updateRowFromJSON(txn.RowModify(row), false, rowValue)
	if err != nil {
		return nil, false, err
	}

	return map[string]any{"count": 1}, true, nil
}

func executeDelete(txn *Txn, table *Table, operation map[string]any) (any, bool, error) {
	rowUUID, err := opUUID(operation)
	if err != nil {
		return nil, false, err
	}

	row := table.Row(rowUUID)
	if row == nil {
		return nil, false, constraintErrf(nil, "no row %s in table %s", rowUUID, table.Schema.Name)
	}

	txn.RowDelete(row)

	return map[string]any{"count": 1}, true, nil
}

func executeSelect(table *Table) any {
	ids := make([]uuid.UUID, 0, len(table.Rows))
	for id := range table.Rows {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	rows := make([]any, 0, len(ids))

	for _, id := range ids {
		row := table.Rows[id]
		rendered := map[string]any{"_uuid": id.String()}

		for _, column := range table.Schema.Columns {
			rendered[column.Name] = row.Fields[column.Index].toJSON(column.Type)
		}

		rows = append(rows, rendered)
	}

	return map[string]any{"rows": rows}
}
