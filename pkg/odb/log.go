package odb

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

// Magic tokens identifying the two on-disk log flavors. A standalone
// database log starts every record header with [MagicStandalone]; the
// consensus-replicated variant uses [MagicCluster] and is understood here
// only far enough for inspection.
const (
	MagicStandalone = "OPSDB JSON"
	MagicCluster    = "CLUSTER JSON"
)

// MagicAny matches either log flavor when passed to [OpenLog].
const MagicAny = MagicStandalone + "|" + MagicCluster

const (
	logFilePerms = 0o644

	// maxHeaderLen bounds the record header line: magic, decimal length,
	// 40 hex digits of SHA-1, separators, newline.
	maxHeaderLen = 128

	// maxRecordLen bounds a single record payload.
	maxRecordLen = 1 << 30
)

// LogMode selects how [OpenLog] opens the file.
type LogMode int

// Open modes.
const (
	// ModeReadOnly opens an existing log for reading.
	ModeReadOnly LogMode = iota

	// ModeReadWrite opens an existing log for reading and appending.
	ModeReadWrite

	// ModeCreateExcl creates a new empty log, failing if the path exists.
	ModeCreateExcl
)

// Locking selects whether [OpenLog] takes the advisory file lock.
type Locking int

// Locking policies.
const (
	// LockingAuto locks iff the log is opened for writing.
	LockingAuto Locking = iota

	// LockingYes always locks.
	LockingYes

	// LockingNo never locks.
	LockingNo
)

type logState int

const (
	stateRead logState = iota
	stateWrite
	stateBroken
)

// Log is an append-only file of length-prefixed, SHA-1-checksummed
// records whose contents are JSON values.
//
// A Log is either in reading state (sequential [Log.Read] from the
// start) or, after the first [Log.Write], in writing state. The first
// write truncates the file at the current read position, which is how a
// corrupt tail left behind by a crash gets discarded.
//
// A Log is owned by a single goroutine; it performs no internal
// synchronization.
type Log struct {
	fsys fs.FS
	name string

	// magic is the token this file's records carry; with an alternated
	// open it is the alternative the file actually matched.
	magic string

	mode LogMode
	file fs.File
	lock *fileLock

	reader *bufio.Reader
	writer *bufio.Writer

	// offset is the byte position just past the last successfully read
	// or written record. prevOffset is the position of the most recently
	// read record, for Unread.
	offset     int64
	prevOffset int64

	state   logState
	readErr error
}

// OpenLog opens the log at path.
//
// magic is the token records must carry; it may list alternatives
// separated by "|" (see [MagicAny]), in which case the file's actual
// magic is discovered from its first record header and reported by
// [Log.Magic]. A newly created log uses the first alternative.
//
// locking selects advisory locking on the <path>.lock sidecar;
// [LockingAuto] locks iff mode permits writing. A log held by another
// process yields an error.
func OpenLog(fsys fs.FS, path, magic string, mode LogMode, locking Locking) (*Log, error) {
	if magic == "" {
		return nil, ioErrf(nil, "%s: no magic given", path)
	}

	wantLock := locking == LockingYes || (locking == LockingAuto && mode != ModeReadOnly)

	var lock *fileLock
	if wantLock {
		var err error

		lock, err = acquireFileLock(fsys, path)
		if err != nil {
			return nil, err
		}
	}

	var flags int

	switch mode {
	case ModeReadOnly:
		flags = os.O_RDONLY
	case ModeReadWrite:
		flags = os.O_RDWR
	case ModeCreateExcl:
		flags = os.O_RDWR | os.O_CREATE | os.O_EXCL
	default:
		lock.release()

		return nil, ioErrf(nil, "%s: invalid open mode %d", path, mode)
	}

	file, err := fsys.OpenFile(path, flags, logFilePerms)
	if err != nil {
		lock.release()

		return nil, ioErrf(err, "%s: open failed", path)
	}

	log := &Log{
		fsys:   fsys,
		name:   path,
		mode:   mode,
		file:   file,
		lock:   lock,
		reader: bufio.NewReader(file),
		state:  stateRead,
	}

	log.magic, err = log.sniffMagic(magic)
	if err != nil {
		log.Close()

		return nil, err
	}

	return log, nil
}

// sniffMagic determines which of the accepted magic alternatives this
// file carries. An empty file gets the first alternative.
func (l *Log) sniffMagic(accepted string) (string, error) {
	alternatives := strings.Split(accepted, "|")

	info, err := l.file.Stat()
	if err != nil {
		return "", ioErrf(err, "%s: stat failed", l.name)
	}

	if info.Size() == 0 {
		return alternatives[0], nil
	}

	head, err := l.reader.Peek(maxHeaderLen)
	if err != nil && err != io.EOF {
		return "", ioErrf(err, "%s: read failed", l.name)
	}

	for _, candidate := range alternatives {
		if candidate != "" && bytes.HasPrefix(head, []byte(candidate+" ")) {
			return candidate, nil
		}
	}

	return "", ioErrf(nil, "%s: bad magic (expected %q)", l.name, accepted)
}

// Name returns the path the log was opened as.
func (l *Log) Name() string {
	return l.name
}

// Magic returns the magic token this log's records carry.
func (l *Log) Magic() string {
	return l.magic
}

// Offset returns the byte position just past the last successfully read
// or written record.
func (l *Log) Offset() int64 {
	return l.offset
}

// Read returns the next record's parsed JSON value.
//
// The second result is false at the end of the log. On an integrity
// failure (bad length, checksum mismatch, truncated payload, or magic
// mismatch) Read returns a [KindIO] error naming the offset, the log
// position is left just before the bad record, and every further Read
// reports the same error. The file is never mutated by reading.
func (l *Log) Read() (any, bool, error) {
	if l.state != stateRead {
		return nil, false, ioErrf(nil, "%s: cannot read after writing", l.name)
	}

	if l.readErr != nil {
		return nil, false, l.readErr
	}

	value, ok, err := l.readRecord()
	if err != nil {
		l.readErr = err
	}

	return value, ok, err
}

func (l *Log) readRecord() (any, bool, error) {
	l.prevOffset = l.offset

	header, err := l.readHeaderLine()
	if err != nil {
		return nil, false, err
	}

	if header == nil {
		// Clean end of log.
		return nil, false, nil
	}

	length, cksum, err := l.parseHeader(header)
	if err != nil {
		return nil, false, err
	}

	payload := make([]byte, length+1)

	_, err = io.ReadFull(l.reader, payload)
	if err != nil {
		return nil, false, ioErrf(nil, "%s: %d-byte record starting at offset %d is truncated",
			l.name, length, l.prevOffset)
	}

	if payload[length] != '\n' {
		return nil, false, ioErrf(nil, "%s: record at offset %d is not terminated by a newline",
			l.name, l.prevOffset)
	}

	payload = payload[:length]

	sum := sha1.Sum(payload)
	if actual := hex.EncodeToString(sum[:]); actual != cksum {
		return nil, false, ioErrf(nil,
			"%s: %d bytes at offset %d have SHA-1 %s but should have %s",
			l.name, length, l.prevOffset, actual, cksum)
	}

	value, err := unmarshalJSON(payload)
	if err != nil {
		return nil, false, newErrf(KindSyntax, err, "%s: record at offset %d is not valid JSON",
			l.name, l.prevOffset)
	}

	l.offset = l.prevOffset + int64(len(header)) + int64(length) + 1

	return value, true, nil
}

// readHeaderLine reads a header line including its newline. Returns nil
// at a clean end of log.
func (l *Log) readHeaderLine() ([]byte, error) {
	line := make([]byte, 0, maxHeaderLen)

	for {
		b, err := l.reader.ReadByte()
		if err == io.EOF {
			if len(line) == 0 {
				return nil, nil
			}

			return nil, ioErrf(nil, "%s: record header at offset %d is truncated",
				l.name, l.prevOffset)
		}

		if err != nil {
			return nil, ioErrf(err, "%s: read failed at offset %d", l.name, l.prevOffset)
		}

		line = append(line, b)
		if b == '\n' {
			return line, nil
		}

		if len(line) >= maxHeaderLen {
			return nil, ioErrf(nil, "%s: record header at offset %d is too long",
				l.name, l.prevOffset)
		}
	}
}

// parseHeader validates "<magic> <length> <sha1>\n" and returns length
// and checksum.
func (l *Log) parseHeader(header []byte) (int64, string, error) {
	text := strings.TrimSuffix(string(header), "\n")

	rest, found := strings.CutPrefix(text, l.magic+" ")
	if !found {
		return 0, "", ioErrf(nil, "%s: bad magic in record header at offset %d",
			l.name, l.prevOffset)
	}

	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return 0, "", ioErrf(nil, "%s: malformed record header at offset %d",
			l.name, l.prevOffset)
	}

	length, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || length < 0 || length > maxRecordLen {
		return 0, "", ioErrf(nil, "%s: bad record length %q at offset %d",
			l.name, fields[0], l.prevOffset)
	}

	cksum := fields[1]
	if len(cksum) != sha1.Size*2 || strings.ToLower(cksum) != cksum {
		return 0, "", ioErrf(nil, "%s: bad SHA-1 %q at offset %d",
			l.name, cksum, l.prevOffset)
	}

	for _, c := range cksum {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return 0, "", ioErrf(nil, "%s: bad SHA-1 %q at offset %d",
				l.name, cksum, l.prevOffset)
		}
	}

	return length, cksum, nil
}

// Unread pushes back the most recently read record so the next Read
// returns it again. A subsequent Write lands just before it, discarding
// it and everything after.
func (l *Log) Unread() {
	if l.state != stateRead || l.offset == l.prevOffset {
		return
	}

	l.offset = l.prevOffset

	_, err := l.file.Seek(l.offset, io.SeekStart)
	if err != nil {
		l.readErr = ioErrf(err, "%s: seek failed", l.name)

		return
	}

	l.reader.Reset(l.file)
	l.readErr = nil
}

// Write appends a record carrying the JSON serialization of value.
//
// The write is buffered; it is not guaranteed durable until [Log.Commit]
// returns. The first Write truncates the file at the current position,
// discarding any unread (possibly corrupt) tail.
func (l *Log) Write(value any) error {
	if l.mode == ModeReadOnly {
		return ioErrf(nil, "%s: log is read-only", l.name)
	}

	if l.state == stateBroken {
		return ioErrf(nil, "%s: log was broken by a previous write error", l.name)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return syntaxErrf("%s: cannot serialize record: %v", l.name, err)
	}

	if l.state == stateRead {
		err = l.beginWriting()
		if err != nil {
			return err
		}
	}

	sum := sha1.Sum(payload)
	header := fmt.Sprintf("%s %d %s\n", l.magic, len(payload), hex.EncodeToString(sum[:]))

	_, err = l.writer.WriteString(header)
	if err == nil {
		_, err = l.writer.Write(payload)
	}

	if err == nil {
		err = l.writer.WriteByte('\n')
	}

	if err != nil {
		l.state = stateBroken

		return ioErrf(err, "%s: write failed", l.name)
	}

	l.offset += int64(len(header)) + int64(len(payload)) + 1

	return nil
}

// beginWriting switches the log from reading to appending: position the
// file at the last good record and drop everything after it.
func (l *Log) beginWriting() error {
	_, err := l.file.Seek(l.offset, io.SeekStart)
	if err != nil {
		return ioErrf(err, "%s: seek failed", l.name)
	}

	err = l.file.Truncate(l.offset)
	if err != nil {
		return ioErrf(err, "%s: truncate failed", l.name)
	}

	l.reader = nil
	l.writer = bufio.NewWriter(l.file)
	l.state = stateWrite

	return nil
}

// Commit flushes buffered writes and fsyncs the file. After Commit
// returns successfully, every previously written record is on stable
// storage.
func (l *Log) Commit() error {
	if l.writer != nil {
		err := l.writer.Flush()
		if err != nil {
			l.state = stateBroken

			return ioErrf(err, "%s: flush failed", l.name)
		}
	}

	err := l.file.Sync()
	if err != nil {
		return ioErrf(err, "%s: fsync failed", l.name)
	}

	return nil
}

// ReplaceStart creates a sibling temporary log in the same directory,
// opened for write with the same magic. The caller writes the
// replacement contents into it and then calls [Log.ReplaceCommit] or
// [Log.ReplaceAbort].
func (l *Log) ReplaceStart() (*Log, error) {
	tmpName := l.name + ".tmp"

	// A stale temporary from an earlier crashed replacement is garbage.
	err := l.fsys.Remove(tmpName)
	if err != nil && !os.IsNotExist(err) {
		return nil, ioErrf(err, "%s: cannot remove stale temporary", tmpName)
	}

	return OpenLog(l.fsys, tmpName, l.magic, ModeCreateExcl, LockingNo)
}

// ReplaceCommit atomically swaps newLog's file into this log's path:
// fsync the new file, rename it over the original, fsync the directory.
// On success the receiver observes the new file and newLog must not be
// used again. If syncing or renaming newLog fails, the original file is
// untouched and newLog is discarded. If only the final directory fsync
// fails, the rename has already taken effect: the receiver observes the
// new file and the error reports that the swap may not be durable.
func (l *Log) ReplaceCommit(newLog *Log) error {
	err := newLog.Commit()
	if err != nil {
		l.ReplaceAbort(newLog)

		return wrapErr(err, "%s: failed to sync replacement", newLog.name)
	}

	err = l.fsys.Rename(newLog.name, l.name)
	if err != nil {
		l.ReplaceAbort(newLog)

		return ioErrf(err, "failed to rename %q to %q", newLog.name, l.name)
	}

	syncErr := fs.SyncDir(l.fsys, filepath.Dir(l.name))

	// The receiver now observes the new file. The lock, if any, stays
	// with the receiver: it guards the path, not the inode.
	_ = l.file.Close()
	l.file = newLog.file
	l.reader = newLog.reader
	l.writer = newLog.writer
	l.offset = newLog.offset
	l.prevOffset = newLog.prevOffset
	l.state = newLog.state
	l.readErr = nil

	newLog.file = nil
	newLog.lock = nil

	if syncErr != nil {
		// The rename already happened; the swap is in effect even though
		// its durability is in doubt.
		return ioErrf(syncErr, "%s: failed to sync parent directory", l.name)
	}

	return nil
}

// ReplaceAbort abandons a replacement started with [Log.ReplaceStart],
// closing and unlinking the temporary file. The original log is
// unaffected.
func (l *Log) ReplaceAbort(newLog *Log) {
	if newLog == nil {
		return
	}

	name := newLog.name
	newLog.Close()
	_ = l.fsys.Remove(name)
}

// Close releases OS resources and the lock, if any. It does not flush:
// callers that need durability must [Log.Commit] first.
func (l *Log) Close() {
	if l == nil {
		return
	}

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}

	l.lock.release()
	l.lock = nil
}

// ParseJSON parses data as a single JSON value the way record payloads
// are parsed: numbers stay [json.Number]. Used by callers that feed
// hand-written JSON (transaction requests, schema files) into this
// package.
func ParseJSON(data []byte) (any, error) {
	value, err := unmarshalJSON(data)
	if err != nil {
		return nil, syntaxErrf("invalid JSON: %v", err)
	}

	return value, nil
}

// unmarshalJSON parses payload as a single JSON value, keeping numbers
// as [json.Number] so large integer timestamps survive intact.
func unmarshalJSON(payload []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var value any

	err := decoder.Decode(&value)
	if err != nil {
		return nil, err
	}

	if decoder.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	return value, nil
}
