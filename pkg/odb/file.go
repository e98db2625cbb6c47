package odb

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

// Compaction gate constants.
const (
	// compactMinInterval is the minimum time between database
	// compactions.
	compactMinInterval = 10 * time.Minute

	// compactRetryInterval is the minimum time before retrying a failed
	// compaction.
	compactRetryInterval = time.Minute

	// compactMinTxns is the minimum number of transactions appended
	// since the last snapshot before compacting.
	compactMinTxns = 100

	// compactMinLogSize is the minimum log size before compacting.
	compactMinLogSize = 10 * 1024 * 1024

	// compactSizeRatio is how much larger than the last snapshot the log
	// must have grown before compacting.
	compactSizeRatio = 4
)

// OpenOptions configures [OpenFile].
type OpenOptions struct {
	// AltSchema, when non-nil, is used to interpret the file's contents
	// instead of the schema stored in it, and the open runs in
	// converting mode: data for tables or columns that do not exist in
	// AltSchema is ignored. Useful for upgrading or downgrading
	// databases to almost-compatible schemas. The schema is cloned; the
	// caller keeps ownership of its copy.
	AltSchema *Schema

	// ReadOnly opens the log for reading only.
	ReadOnly bool

	// Locking selects advisory file locking; [LockingAuto] locks iff
	// opening for write.
	Locking Locking

	// Logger receives replay-recovery warnings and compaction messages.
	// Nil means [slog.Default].
	Logger *slog.Logger

	// Clock overrides the wall clock, for tests. Nil means [time.Now].
	Clock func() time.Time
}

// File represents an open database file: the backing log plus the
// accounting that drives compaction.
//
// The File exclusively owns its log. The in-memory [Database] returned
// alongside it is shared with the caller for the file's lifetime and is
// NOT destroyed by [File.Close].
type File struct {
	db     *Database
	log    *Log
	logger *slog.Logger
	clock  func() time.Time

	lastCompact   time.Time
	nextCompact   time.Time
	nTransactions int
	snapshotSize  int64
}

// OpenFile opens the database log at path and replays it into a live
// database.
//
// Record 0 must be a schema (unless opts.AltSchema overrides it); every
// further record is a transaction delta replayed in order. A record that
// fails to read or decode ends the replay: the error is logged and
// swallowed, the bad record is pushed back unread, and the open succeeds
// with everything recovered up to that point. Probably the file was just
// truncated by a crash and its tail is garbage; the next write discards
// it.
//
// The returned Database is owned by the caller; the returned File owns
// the open log.
func OpenFile(fsys fs.FS, path string, opts OpenOptions) (*Database, *File, error) {
	mode := ModeReadWrite
	if opts.ReadOnly {
		mode = ModeReadOnly
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	log, err := OpenLog(fsys, path, MagicStandalone, mode, opts.Locking)
	if err != nil {
		return nil, nil, err
	}

	schema, err := readSchemaRecord(log, opts.AltSchema)
	if err != nil {
		log.Close()

		return nil, nil, err
	}

	db := NewDatabase(schema)
	converting := opts.AltSchema != nil

	// When a log gets big, we compact it into a new log that initially
	// has only a single transaction representing the entire database.
	// Thus the first transaction in the log is the snapshot; its size
	// later influences the minimum log size before compacting again.
	//
	// The schema precedes the snapshot in the log; we could compensate
	// for its size, but it's just not that important.
	var (
		snapshotSize  int64
		nTransactions int
		replayErr     error
	)

	for {
		value, ok, err := log.Read()
		if err != nil {
			replayErr = err

			break
		}

		if !ok {
			break
		}

		txn, err := txnFromJSON(db, value, converting)
		if err != nil {
			log.Unread()

			replayErr = err

			break
		}

		nTransactions++

		err = txn.Commit(false)
		if err != nil {
			log.Unread()

			replayErr = err

			break
		}

		if nTransactions == 1 {
			snapshotSize = log.Offset()
		}
	}

	if replayErr != nil {
		// Log the error but otherwise ignore it. Probably the file just
		// got truncated due to a power failure and we should use its
		// current contents.
		logger.Warn("stopping database replay after error",
			"db", path, "records", nTransactions, "err", replayErr)
	}

	now := clock()

	file := &File{
		db:            db,
		log:           log,
		logger:        logger,
		clock:         clock,
		lastCompact:   now,
		nextCompact:   now.Add(compactMinInterval),
		nTransactions: nTransactions,
		snapshotSize:  snapshotSize,
	}

	db.file = file

	return db, file, nil
}

// readSchemaRecord reads record 0 and parses it as the schema, unless
// alt overrides it, in which case the on-disk schema is read but
// discarded.
func readSchemaRecord(log *Log, alt *Schema) (*Schema, error) {
	value, ok, err := log.Read()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, newErrf(KindEOF, nil, "%s: database file contains no schema", log.Name())
	}

	if alt != nil {
		return alt.Clone(), nil
	}

	schema, err := SchemaFromJSON(value)
	if err != nil {
		return nil, wrapErr(err, "failed to parse %q as database schema", log.Name())
	}

	return schema, nil
}

// Database returns the live database this file backs.
func (f *File) Database() *Database {
	return f.db
}

// Commit encodes txn's changes as a delta record and appends it to the
// log, fsyncing if durable. A transaction with nothing to persist writes
// no record.
//
// After a successful append, the compaction gate is evaluated; a firing
// gate triggers an in-place compaction whose failure is logged and
// scheduled for retry, never surfaced to the committer.
func (f *File) Commit(txn *Txn, durable bool) error {
	ft := encodeTxn(txn)
	if ft.json == nil {
		// Nothing to commit.
		return nil
	}

	err := commitFileTxn(ft.json, txn.Comment(), durable, f.log, f.clock)
	if err != nil {
		return err
	}

	f.nTransactions++

	if f.compactionDue(f.log.Offset()) {
		err := f.Compact()
		if err != nil {
			f.logger.Warn("compacting database failed, will retry",
				"db", f.log.Name(),
				"retry_in", compactRetryInterval,
				"err", err)
		}
	}

	return nil
}

// compactionDue evaluates the compaction gate: enough time since the
// last (attempted) compaction, at least 100 transactions since the last
// snapshot, a log of at least 10 MiB, and a log at least 4x the size of
// the previous snapshot.
func (f *File) compactionDue(logSize int64) bool {
	return !f.clock().Before(f.nextCompact) &&
		f.nTransactions >= compactMinTxns &&
		logSize >= compactMinLogSize &&
		logSize >= compactSizeRatio*f.snapshotSize
}

// Compact rewrites the log as schema + one snapshot transaction,
// swapping the replacement in atomically. On success the log holds
// exactly two records. On failure the next automatic attempt is pushed
// out by the retry interval; the original log is untouched, except when
// only the directory fsync after the rename fails, in which case the
// replacement is already in place.
func (f *File) Compact() error {
	now := f.clock()

	comment := fmt.Sprintf("compacting database online (%.3f seconds old, %d transactions, %d bytes)",
		now.Sub(f.lastCompact).Seconds(), f.nTransactions, f.log.Offset())

	err := f.compact(comment)
	if err != nil {
		f.nextCompact = now.Add(compactRetryInterval)

		return err
	}

	now = f.clock()
	f.lastCompact = now
	f.nextCompact = now.Add(compactMinInterval)
	f.nTransactions = 1
	f.snapshotSize = f.log.Offset()

	return nil
}

func (f *File) compact(comment string) error {
	newLog, err := f.log.ReplaceStart()
	if err != nil {
		return err
	}

	err = writeSnapshot(newLog, comment, f.db, f.clock)
	if err != nil {
		f.log.ReplaceAbort(newLog)

		return err
	}

	return f.log.ReplaceCommit(newLog)
}

// Close closes the backing log and releases the lock. The in-memory
// database remains valid and is detached from the file.
func (f *File) Close() {
	if f == nil {
		return
	}

	f.log.Close()

	if f.db != nil && f.db.file == f {
		f.db.file = nil
	}
}

// ReadSchema opens the database log at path just far enough to read its
// schema record, then closes it.
func ReadSchema(fsys fs.FS, path string) (*Schema, error) {
	log, err := OpenLog(fsys, path, MagicStandalone, ModeReadOnly, LockingNo)
	if err != nil {
		return nil, err
	}

	defer log.Close()

	return readSchemaRecord(log, nil)
}

// SaveCopy writes a snapshot of db's current contents as a fresh
// database log at path, failing if path already exists. The comment, if
// any, is recorded in the snapshot delta and is visible in show-log
// output.
func SaveCopy(fsys fs.FS, path, comment string, db *Database) error {
	return saveCopyClock(fsys, path, comment, db, time.Now)
}

func saveCopyClock(fsys fs.FS, path, comment string, db *Database, clock func() time.Time) error {
	log, err := OpenLog(fsys, path, MagicStandalone, ModeCreateExcl, LockingYes)
	if err != nil {
		return err
	}

	err = writeSnapshot(log, comment, db, clock)
	if err == nil {
		err = log.Commit()
	}

	if err != nil {
		removeErr := fsys.Remove(path)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			err = wrapErr(err, "failed to remove %q after write failure (%v)", path, removeErr)
		}
	}

	log.Close()

	return err
}
