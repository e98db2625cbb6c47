package odb

import (
	"github.com/google/uuid"
)

// Change is one row change inside a transaction, as surfaced by
// [Txn.ForEachChange].
//
// Old is nil for an insert, New is nil for a delete; both are set for a
// modify, with Changed marking (by column index) the columns whose
// values differ.
type Change struct {
	Table   *Table
	Old     *Row
	New     *Row
	Changed []bool
}

type txnRowKey struct {
	table string
	id    uuid.UUID
}

type txnRow struct {
	table *Table
	old   *Row // nil for insert
	new   *Row // nil for delete
}

// Txn is a pending transaction over a [Database].
//
// Changes are buffered until [Txn.Commit] applies them to the in-memory
// database and, for a file-backed database, appends the encoded delta to
// the log. [Txn.Abort] discards them. A Txn is single-use.
type Txn struct {
	db      *Database
	rows    map[txnRowKey]*txnRow
	order   []txnRowKey
	comment string
	done    bool
}

// NewTxn begins a transaction against db.
func NewTxn(db *Database) *Txn {
	return &Txn{
		db:   db,
		rows: make(map[txnRowKey]*txnRow),
	}
}

// SetComment attaches a human-readable comment, recorded in the delta's
// _comment member and visible in log inspection.
func (t *Txn) SetComment(comment string) {
	t.comment = comment
}

// Comment returns the transaction's comment, if any.
func (t *Txn) Comment() string {
	return t.comment
}

func (t *Txn) track(key txnRowKey, row *txnRow) {
	if _, exists := t.rows[key]; !exists {
		t.order = append(t.order, key)
	}

	t.rows[key] = row
}

// RowInsert stages a fresh row (created with [NewRow], UUID assigned by
// the caller) for insertion.
func (t *Txn) RowInsert(row *Row) {
	key := txnRowKey{table: row.Table.Schema.Name, id: row.UUID}
	t.track(key, &txnRow{table: row.Table, old: nil, new: row})
}

// RowModify stages a modification of a committed row and returns the
// writable copy. Callers mutate the copy's fields; the committed row is
// untouched until Commit. Repeated calls for the same row return the
// same copy.
func (t *Txn) RowModify(row *Row) *Row {
	key := txnRowKey{table: row.Table.Schema.Name, id: row.UUID}

	if tracked, exists := t.rows[key]; exists && tracked.new != nil {
		return tracked.new
	}

	writable := row.clone()
	t.track(key, &txnRow{table: row.Table, old: row, new: writable})

	return writable
}

// RowDelete stages deletion of a committed row. Deleting a row inserted
// earlier in the same transaction cancels the insert.
func (t *Txn) RowDelete(row *Row) {
	key := txnRowKey{table: row.Table.Schema.Name, id: row.UUID}

	if tracked, exists := t.rows[key]; exists && tracked.old == nil {
		delete(t.rows, key)

		for i, k := range t.order {
			if k == key {
				t.order = append(t.order[:i], t.order[i+1:]...)

				break
			}
		}

		return
	}

	committed := row
	if tracked, exists := t.rows[key]; exists {
		committed = tracked.old
	}

	t.track(key, &txnRow{table: row.Table, old: committed, new: nil})
}

// ForEachChange invokes fn for every staged change, in the order the
// changes were staged. fn returning false stops the iteration. Modifies
// whose copy ended up identical to the original are still reported; the
// encoder decides what to persist.
func (t *Txn) ForEachChange(fn func(Change) bool) {
	for _, key := range t.order {
		tr := t.rows[key]

		change := Change{
			Table: tr.table,
			Old:   tr.old,
			New:   tr.new,
		}

		if tr.old != nil && tr.new != nil {
			change.Changed = changedColumns(tr.table.Schema, tr.old, tr.new)
		}

		if !fn(change) {
			return
		}
	}
}

// changedColumns diffs two versions of a row, returning a bitmap indexed
// by column index.
func changedColumns(ts *TableSchema, old, new *Row) []bool {
	changed := make([]bool, ts.nColumns)

	for _, column := range ts.Columns {
		if !old.Fields[column.Index].equal(new.Fields[column.Index], column.Type) {
			changed[column.Index] = true
		}
	}

	return changed
}

// Commit applies the transaction to the in-memory database and, when the
// database is file-backed, appends the encoded delta to the log (fsyncing
// it if durable is true).
//
// On a log append failure the in-memory state is rolled back and the
// error returned; the transaction is finished either way.
func (t *Txn) Commit(durable bool) error {
	if t.done {
		return syntaxErrf("transaction already finished")
	}

	t.done = true

	t.apply()

	if t.db.file != nil {
		err := t.db.file.Commit(t, durable)
		if err != nil {
			t.revert()

			return err
		}
	}

	return nil
}

// Abort discards the transaction without touching the database.
func (t *Txn) Abort() {
	t.done = true
}

func (t *Txn) apply() {
	for _, key := range t.order {
		tr := t.rows[key]

		if tr.new == nil {
			delete(tr.table.Rows, tr.old.UUID)
		} else {
			tr.table.Rows[tr.new.UUID] = tr.new
		}
	}
}

func (t *Txn) revert() {
	for _, key := range t.order {
		tr := t.rows[key]

		if tr.old == nil {
			delete(tr.table.Rows, tr.new.UUID)
		} else {
			tr.table.Rows[tr.old.UUID] = tr.old
		}
	}
}
