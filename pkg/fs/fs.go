// Package fs provides the filesystem abstraction used by the database
// log layer.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//   - [AtomicWriter]: durable write-temp-then-rename file replacement
//
// The log container takes an [FS] so tests can substitute their own
// implementation; everything else in this module uses [Real].
package fs

import (
	"fmt"
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all
// standard library functions that accept [io.Reader], [io.Writer],
// [io.Seeker], or [io.Closer].
//
// The intent is os-like behavior: implementations must behave like
// [os.File], including that [File.Fd] returns a valid OS file descriptor
// usable with syscalls (for example flock) until the file is closed.
type File interface {
	// Embedded interfaces from [io] package.
	// These provide Read, Write, Close, and Seek methods.
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error

	// Chmod changes the mode of the file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error
}

// FS defines the filesystem operations the database layer depends on.
//
// All methods mirror their [os] package equivalents. Paths use OS
// semantics (like the os package and path/filepath), not the
// slash-separated paths of the standard library io/fs package.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See
	// [os.OpenFile]. Use this for fine-grained control (read-write,
	// exclusive create, etc).
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary. See
	// [os.WriteFile].
	//
	// Note: WriteFile is not atomic or durable. For durability use
	// [AtomicWriter] or [FS.OpenFile] with explicit [File.Sync].
	WriteFile(path string, data []byte, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Rename moves/renames a file. See [os.Rename].
	// Atomic on the same filesystem.
	Rename(oldpath, newpath string) error
}

// SyncDir fsyncs a directory so a preceding rename or unlink in it is
// durable. Returns an error naming the directory on failure.
func SyncDir(fsys FS, dir string) error {
	handle, err := fsys.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", dir, err)
	}

	syncErr := handle.Sync()
	closeErr := handle.Close()

	if syncErr != nil {
		return fmt.Errorf("sync dir %q: %w", dir, syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close dir %q: %w", dir, closeErr)
	}

	return nil
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
