package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

func Test_AtomicWriter_Writes_File_With_Content(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())
	path := filepath.Join(t.TempDir(), "out.txt")

	err := writer.WriteWithDefaults(path, strings.NewReader("hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func Test_AtomicWriter_Replaces_Existing_File(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())
	path := filepath.Join(t.TempDir(), "out.txt")

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	err := writer.WriteWithDefaults(path, strings.NewReader("new"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func Test_AtomicWriter_Leaves_No_Temp_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(filepath.Join(dir, "out.txt"), strings.NewReader("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "out.txt", entries[0].Name())
}

func Test_AtomicWriter_Applies_Perm(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())
	path := filepath.Join(t.TempDir(), "out.txt")

	err := writer.Write(path, strings.NewReader("x"), fs.AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o600,
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func Test_AtomicWriter_Rejects_Zero_Perm(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(filepath.Join(t.TempDir(), "out"), strings.NewReader("x"),
		fs.AtomicWriteOptions{SyncDir: true})
	require.Error(t, err)
}

func Test_SyncDir_Succeeds_On_Existing_Directory(t *testing.T) {
	t.Parallel()

	require.NoError(t, fs.SyncDir(fs.NewReal(), t.TempDir()))
}

func Test_SyncDir_Fails_On_Missing_Directory(t *testing.T) {
	t.Parallel()

	err := fs.SyncDir(fs.NewReal(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
