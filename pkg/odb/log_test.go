package odb

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

func Test_Log_RoundTrips_Records(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	records := []any{
		map[string]any{"name": "first"},
		map[string]any{"n": json.Number("42"), "nested": map[string]any{"ok": true}},
		[]any{json.Number("1"), "two", nil},
	}

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)

	for _, record := range records {
		require.NoError(t, log.Write(record))
	}

	require.NoError(t, log.Commit())
	log.Close()

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	for i, want := range records {
		got, ok, err := log.Read()
		require.NoError(t, err, "record %d", i)
		require.True(t, ok, "record %d", i)

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("record %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	_, ok, err := log.Read()
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Log_Read_Reports_End_On_Empty_Log(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	_, ok, err := log.Read()
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Log_CreateExcl_Fails_When_File_Exists(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	log.Close()

	_, err = OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.Error(t, err)
	require.True(t, IsIO(err))
}

func Test_Log_Open_Fails_On_Foreign_Magic(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	require.NoError(t, os.WriteFile(path, []byte("SOMETHING ELSE 3 abc\nxyz\n"), 0o644))

	_, err := OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.Error(t, err)
	require.True(t, IsIO(err))
	require.Contains(t, err.Error(), "bad magic")
}

func Test_Log_Offset_Tracks_Record_Boundaries(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)

	require.NoError(t, log.Write(map[string]any{"a": true}))
	offset := log.Offset()
	require.NoError(t, log.Commit())
	log.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, info.Size(), offset)

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	_, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, offset, log.Offset())
}

func Test_Log_Read_Fails_On_Checksum_Corruption(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"a": "good"}))
	require.NoError(t, log.Write(map[string]any{"b": "bad"}))
	require.NoError(t, log.Commit())
	log.Close()

	// Flip one byte inside the second record's payload.
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	idx := bytes.LastIndexByte(data, '}')
	data[idx-1] ^= 0x20
	require.NoError(t, os.WriteFile(path, data, 0o644))

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	_, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)

	goodOffset := log.Offset()

	_, _, err = log.Read()
	require.Error(t, err)
	require.True(t, IsIO(err))
	require.Contains(t, err.Error(), "SHA-1")
	require.Contains(t, err.Error(), "offset")

	// Position is left just before the bad record, and the error is
	// sticky.
	require.Equal(t, goodOffset, log.Offset())

	_, _, err = log.Read()
	require.Error(t, err)
}

func Test_Log_Read_Fails_On_Truncated_Record(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"a": "first"}))
	require.NoError(t, log.Write(map[string]any{"b": "second"}))
	require.NoError(t, log.Commit())
	log.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-1], 0o644))

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	_, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = log.Read()
	require.Error(t, err)
	require.True(t, IsIO(err))
}

func Test_Log_Unread_Returns_Same_Record(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"n": json.Number("1")}))
	require.NoError(t, log.Write(map[string]any{"n": json.Number("2")}))
	require.NoError(t, log.Commit())
	log.Close()

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	first, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)

	log.Unread()

	again, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)

	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("unread record mismatch (-first +again):\n%s", diff)
	}

	second, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, json.Number("2"), second.(map[string]any)["n"])
}

func Test_Log_Write_After_Unread_Discards_Tail(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"keep": true}))
	require.NoError(t, log.Write(map[string]any{"discard": true}))
	require.NoError(t, log.Commit())
	log.Close()

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadWrite, LockingNo)
	require.NoError(t, err)

	_, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = log.Read()
	require.NoError(t, err)
	require.True(t, ok)

	log.Unread()

	require.NoError(t, log.Write(map[string]any{"replacement": true}))
	require.NoError(t, log.Commit())
	log.Close()

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	first, _, err := log.Read()
	require.NoError(t, err)
	require.Equal(t, true, first.(map[string]any)["keep"])

	second, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, true, second.(map[string]any)["replacement"])

	_, ok, err = log.Read()
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Log_Locking_Rejects_Second_Writer(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingAuto)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	_, err = OpenLog(fsys, path, MagicStandalone, ModeReadWrite, LockingAuto)
	require.Error(t, err)
	require.True(t, IsIO(err))
	require.Contains(t, err.Error(), "locked")

	// Read-only with auto locking does not take the lock.
	reader, err := OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingAuto)
	require.NoError(t, err)
	reader.Close()
}

func Test_Log_Replace_Swaps_Contents(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"old": true}))
	require.NoError(t, log.Commit())

	replacement, err := log.ReplaceStart()
	require.NoError(t, err)
	require.NoError(t, replacement.Write(map[string]any{"new": true}))

	require.NoError(t, log.ReplaceCommit(replacement))

	// The log keeps appending to the new file.
	require.NoError(t, log.Write(map[string]any{"appended": true}))
	require.NoError(t, log.Commit())
	log.Close()

	// No temporary left behind.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	first, _, err := log.Read()
	require.NoError(t, err)
	require.Equal(t, true, first.(map[string]any)["new"])

	second, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, true, second.(map[string]any)["appended"])

	_, ok, err = log.Read()
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Log_ReplaceAbort_Leaves_Original_Untouched(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"old": true}))
	require.NoError(t, log.Commit())

	replacement, err := log.ReplaceStart()
	require.NoError(t, err)
	require.NoError(t, replacement.Write(map[string]any{"new": true}))

	log.ReplaceAbort(replacement)
	log.Close()

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	log, err = OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	first, _, err := log.Read()
	require.NoError(t, err)
	require.Equal(t, true, first.(map[string]any)["old"])
}

func Test_Log_Write_Rejected_On_ReadOnly_Log(t *testing.T) {
	t.Parallel()

	fsys, path := newTestDB(t)

	log, err := OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	err = log.Write(map[string]any{})
	require.Error(t, err)
	require.True(t, IsIO(err))
}

func Test_Log_Sniffs_Magic_From_Alternation(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicCluster, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"term": json.Number("1")}))
	require.NoError(t, log.Commit())
	log.Close()

	log, err = OpenLog(fsys, path, MagicAny, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	require.Equal(t, MagicCluster, log.Magic())

	_, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)
}

func Test_Log_Reads_Literal_Cluster_Header(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "cluster.db")

	// Hand-built record with the canonical clustered header token, so a
	// drift in the constant cannot hide behind round-trip tests.
	payload := []byte(`{"term":1}`)
	sum := sha1.Sum(payload)
	record := fmt.Sprintf("CLUSTER JSON %d %s\n%s\n", len(payload), hex.EncodeToString(sum[:]), payload)

	require.NoError(t, os.WriteFile(path, []byte(record), 0o644))

	log, err := OpenLog(fsys, path, MagicAny, ModeReadOnly, LockingNo)
	require.NoError(t, err)

	t.Cleanup(log.Close)

	require.Equal(t, MagicCluster, log.Magic())

	value, ok, err := log.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, json.Number("1"), value.(map[string]any)["term"])

	_, ok, err = log.Read()
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Log_Record_Header_Shape(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log")

	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingNo)
	require.NoError(t, err)
	require.NoError(t, log.Write(map[string]any{"x": json.Number("1")}))
	require.NoError(t, log.Commit())
	log.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line, _, found := strings.Cut(string(data), "\n")
	require.True(t, found)

	fields := strings.Fields(strings.TrimPrefix(line, MagicStandalone+" "))
	require.Len(t, fields, 2)
	require.Equal(t, "7", fields[0]) // len(`{"x":1}`)
	require.Len(t, fields[1], 40)

	// Payload is followed by a bare newline.
	require.Equal(t, byte('\n'), data[len(data)-1])
}
