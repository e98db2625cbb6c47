package odb

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Database {
	t.Helper()

	return NewDatabase(miniSchema(t))
}

// encodeOnly runs the encoder over a transaction without committing it.
func encodeOnly(txn *Txn) map[string]any {
	return encodeTxn(txn).json
}

func Test_Encode_Insert_Emits_NonDefault_Columns(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	table := db.Table("T")

	row := NewRow(table)
	row.UUID = mustUUID(t, uuidA)
	setColumn(t, row, "k", Datum{value: "a"})
	// v stays at its default and must be omitted.

	txn := NewTxn(db)
	txn.RowInsert(row)

	want := map[string]any{
		"T": map[string]any{
			uuidA: map[string]any{"k": "a"},
		},
	}

	if diff := cmp.Diff(want, encodeOnly(txn)); diff != "" {
		t.Fatalf("encoded delta mismatch (-want +got):\n%s", diff)
	}
}

func Test_Encode_Insert_Of_All_Defaults_Emits_Empty_Object(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	table := db.Table("T")

	row := NewRow(table)
	row.UUID = mustUUID(t, uuidA)

	txn := NewTxn(db)
	txn.RowInsert(row)

	want := map[string]any{
		"T": map[string]any{
			uuidA: map[string]any{},
		},
	}

	if diff := cmp.Diff(want, encodeOnly(txn)); diff != "" {
		t.Fatalf("encoded delta mismatch (-want +got):\n%s", diff)
	}
}

func Test_Encode_Modify_Emits_Only_Changed_Columns(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	table := db.Table("T")

	row := NewRow(table)
	row.UUID = mustUUID(t, uuidA)
	setColumn(t, row, "k", Datum{value: "a"})
	setColumn(t, row, "v", Datum{value: int64(1)})
	table.Rows[row.UUID] = row

	txn := NewTxn(db)
	writable := txn.RowModify(row)
	setColumn(t, writable, "v", Datum{value: int64(2)})

	want := map[string]any{
		"T": map[string]any{
			uuidA: map[string]any{"v": int64(2)},
		},
	}

	if diff := cmp.Diff(want, encodeOnly(txn)); diff != "" {
		t.Fatalf("encoded delta mismatch (-want +got):\n%s", diff)
	}
}

func Test_Encode_NoOp_Modify_Is_Omitted(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	table := db.Table("T")

	row := NewRow(table)
	row.UUID = mustUUID(t, uuidA)
	setColumn(t, row, "k", Datum{value: "a"})
	table.Rows[row.UUID] = row

	txn := NewTxn(db)
	txn.RowModify(row)

	require.Nil(t, encodeOnly(txn))
}

func Test_Encode_Delete_Emits_Null(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	table := db.Table("T")

	row := NewRow(table)
	row.UUID = mustUUID(t, uuidA)
	table.Rows[row.UUID] = row

	txn := NewTxn(db)
	txn.RowDelete(row)

	want := map[string]any{
		"T": map[string]any{
			uuidA: nil,
		},
	}

	if diff := cmp.Diff(want, encodeOnly(txn)); diff != "" {
		t.Fatalf("encoded delta mismatch (-want +got):\n%s", diff)
	}
}

func Test_Encode_Empty_Transaction_Produces_No_Delta(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	require.Nil(t, encodeOnly(NewTxn(db)))
}

func decodeDelta(t *testing.T, db *Database, deltaJSON string, converting bool) (*Txn, error) {
	t.Helper()

	value, err := ParseJSON([]byte(deltaJSON))
	require.NoError(t, err)

	return txnFromJSON(db, value, converting)
}

func Test_Decode_Applies_Insert_Modify_Delete(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	txn, err := decodeDelta(t, db,
		`{"T":{"`+uuidA+`":{"k":"a","v":1}},"_date":1700000000000}`, false)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(false))

	table := db.Table("T")
	require.Len(t, table.Rows, 1)

	txn, err = decodeDelta(t, db, `{"T":{"`+uuidA+`":{"v":7}}}`, false)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(false))

	row := table.Row(mustUUID(t, uuidA))
	require.Equal(t, "7", row.Fields[table.Schema.Column("v").Index].String(TypeInteger))
	require.Equal(t, `"a"`, row.Fields[table.Schema.Column("k").Index].String(TypeString))

	txn, err = decodeDelta(t, db, `{"T":{"`+uuidA+`":null}}`, false)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(false))

	require.Empty(t, table.Rows)
}

func Test_Decode_Rejects_NonObject_Delta(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	_, err := decodeDelta(t, db, `[1,2,3]`, false)
	require.Error(t, err)
	require.True(t, IsSyntax(err))
}

func Test_Decode_Rejects_Unknown_Table(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	_, err := decodeDelta(t, db, `{"nope":{}}`, false)
	require.Error(t, err)
	require.True(t, IsUnknownTable(err))

	// Converting mode skips it instead.
	txn, err := decodeDelta(t, db, `{"nope":{}}`, true)
	require.NoError(t, err)
	txn.Abort()
}

func Test_Decode_Rejects_Unknown_Column(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	_, err := decodeDelta(t, db, `{"T":{"`+uuidA+`":{"zzz":1}}}`, false)
	require.Error(t, err)
	require.True(t, IsUnknownColumn(err))

	txn, err := decodeDelta(t, db, `{"T":{"`+uuidA+`":{"zzz":1,"k":"kept"}}}`, true)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(false))

	table := db.Table("T")
	row := table.Row(mustUUID(t, uuidA))
	require.NotNil(t, row)
	require.Equal(t, `"kept"`, row.Fields[table.Schema.Column("k").Index].String(TypeString))
}

func Test_Decode_Rejects_Invalid_UUID(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	_, err := decodeDelta(t, db, `{"T":{"not-a-uuid":{"k":"a"}}}`, false)
	require.Error(t, err)
	require.True(t, IsSyntax(err))
	require.Contains(t, err.Error(), "not a valid UUID")
}

func Test_Decode_Rejects_Delete_Of_Missing_Row(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	_, err := decodeDelta(t, db, `{"T":{"`+uuidA+`":null}}`, false)
	require.Error(t, err)
	require.True(t, IsSyntax(err))
	require.Contains(t, err.Error(), "does not exist")
}

func Test_Decode_Rejects_Constraint_Violation(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	_, err := decodeDelta(t, db, `{"T":{"`+uuidA+`":{"v":"not-a-number"}}}`, false)
	require.Error(t, err)
	require.True(t, IsConstraint(err))
}

func Test_Decode_Ignores_Date_And_Comment(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	txn, err := decodeDelta(t, db, `{"_date":1700000000000,"_comment":"hello"}`, false)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(false))

	// A _date that is not an integer is not a reserved key, so it is an
	// unknown table.
	_, err = decodeDelta(t, db, `{"_date":"soon"}`, false)
	require.Error(t, err)
	require.True(t, IsUnknownTable(err))
}

func Test_Decode_Rejects_Partial_Deltas_Atomically(t *testing.T) {
	t.Parallel()

	db := testDB(t)

	// The valid insert in the same delta must not survive the invalid
	// column.
	_, err := decodeDelta(t, db,
		`{"T":{"`+uuidA+`":{"k":"a"},"`+uuidB+`":{"zzz":1}}}`, false)
	require.Error(t, err)

	require.Empty(t, db.Table("T").Rows)
}

func Test_Codec_Round_Trips_Through_JSON(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	table := db.Table("T")

	row := NewRow(table)
	row.UUID = mustUUID(t, uuidA)
	setColumn(t, row, "k", Datum{value: "a"})
	setColumn(t, row, "v", Datum{value: int64(41)})

	txn := NewTxn(db)
	txn.RowInsert(row)

	delta := encodeOnly(txn)
	txn.Abort()

	// Serialize and reparse the way the log does.
	data, err := json.Marshal(delta)
	require.NoError(t, err)

	value, err := ParseJSON(data)
	require.NoError(t, err)

	fresh := testDB(t)

	decoded, err := txnFromJSON(fresh, value, false)
	require.NoError(t, err)
	require.NoError(t, decoded.Commit(false))

	freshRow := fresh.Table("T").Row(mustUUID(t, uuidA))
	require.NotNil(t, freshRow)

	schema := fresh.Table("T").Schema
	require.Equal(t, `"a"`, freshRow.Fields[schema.Column("k").Index].String(TypeString))
	require.Equal(t, "41", freshRow.Fields[schema.Column("v").Index].String(TypeInteger))
}
