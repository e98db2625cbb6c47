package odb

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

const lockFilePerms = 0o600

// fileLock holds an advisory flock on a database's sidecar lock file.
//
// The lock file lives next to the database as <path>.lock and is never
// removed; only the flock on it matters. At most one process holds it.
type fileLock struct {
	path string
	file fs.File
}

// acquireFileLock takes a non-blocking exclusive lock on path's sidecar
// lock file. A second opener gets an error immediately rather than
// blocking, per the single-writer contract.
func acquireFileLock(fsys fs.FS, path string) (*fileLock, error) {
	lockPath := path + ".lock"

	file, err := fsys.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, lockFilePerms)
	if err != nil {
		return nil, ioErrf(err, "%s: failed to open lock file", lockPath)
	}

	flockErr := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if flockErr != nil {
		_ = file.Close()

		if flockErr == unix.EWOULDBLOCK {
			return nil, ioErrf(nil, "%s: database is locked by another process", path)
		}

		return nil, ioErrf(flockErr, "%s: failed to lock", lockPath)
	}

	return &fileLock{path: lockPath, file: file}, nil
}

// release drops the flock and closes the lock file.
func (l *fileLock) release() {
	if l == nil || l.file == nil {
		return
	}

	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
