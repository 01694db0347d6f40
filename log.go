package raft

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/vsuslov/copycat/internal/errors"
)

var (
	errIndexDoesNotExist = errors.New("index does not exist")
	errLogNotOpen        = errors.New("log is not open")
)

// Log represents the internal component of Raft that is responsible
// for persistently storing and retrieving log entries. It is treated
// as an external collaborator: this package provides a default,
// file-backed implementation, but production deployments are free to
// substitute their own (e.g. backed by a segmented on-disk format with
// a separate index file, as described by the log file format
// collaborator contract).
type Log interface {
	PersistentStorage

	// GetEntry returns the log entry located at the specified index.
	GetEntry(index uint64) (*LogEntry, error)

	// AppendEntry appends a log entry to the log.
	AppendEntry(entry *LogEntry) error

	// AppendEntries appends multiple log entries to the log.
	AppendEntries(entries []*LogEntry) error

	// Truncate deletes all log entries with index greater than or
	// equal to the provided index.
	Truncate(index uint64) error

	// DiscardEntries deletes all in-memory and persistent data in the
	// log. The provided term and index indicate at what term and index
	// the now empty log will start at. Primarily intended to be used
	// after a full snapshot install.
	DiscardEntries(index uint64, term uint64) error

	// Compact deletes all log entries with index less than or equal
	// to the provided index.
	Compact(index uint64) error

	// Contains checks if the log contains an entry at the specified
	// index.
	Contains(index uint64) bool

	// FirstIndex returns the smallest index that exists in the log.
	FirstIndex() uint64

	// LastIndex returns the largest index that exists in the log and
	// zero if the log is empty.
	LastIndex() uint64

	// LastTerm returns the largest term in the log and zero if the log
	// is empty.
	LastTerm() uint64

	// NextIndex returns the next index to append to the log.
	NextIndex() uint64

	// Size returns the number of entries in the log.
	Size() int
}

// EntryType identifies what kind of operation a LogEntry carries. Every
// kind other than EntryQuery may be durably logged; queries are served
// without ever being written to the log (see the session manager's
// linearizable read path).
type EntryType uint32

const (
	// EntryNoOp is appended by a new leader on assuming office so that
	// it can discover the current commit index without waiting for a
	// client command.
	EntryNoOp EntryType = iota

	// EntryInitialize is the very first entry in a brand new cluster's
	// log, establishing the initial configuration.
	EntryInitialize

	// EntryCommand carries a session-scoped state machine command.
	EntryCommand

	// EntryQuery tags an Operation as a read-only query. Queries are
	// never appended to the log; this value exists so Operation can
	// share a single OperationType vocabulary with LogEntry's EntryType.
	EntryQuery

	// EntryConfiguration carries a cluster membership change.
	EntryConfiguration

	// EntryRegister carries a new session registration. The entry's
	// own index becomes the session ID.
	EntryRegister

	// EntryKeepAlive carries a batch of session liveness updates.
	EntryKeepAlive

	// EntryUnregister carries a session expiration or explicit close.
	EntryUnregister

	// EntryConnect carries a client binding an existing session to a
	// new connection after a reconnect.
	EntryConnect
)

// LogEntry is a log entry in the log.
type LogEntry struct {
	// The index of the log entry.
	Index uint64

	// The term of the log entry.
	Term uint64

	// The offset of the log entry within its on-disk segment.
	Offset int64

	// The data of the log entry: the encoded Operation, Configuration,
	// or session control payload, depending on EntryType.
	Data []byte

	// The type of the log entry.
	EntryType EntryType
}

// NewLogEntry creates a new instance of LogEntry with the provided
// index, term, and data.
func NewLogEntry(index uint64, term uint64, data []byte, entryType EntryType) *LogEntry {
	return &LogEntry{Index: index, Term: term, Data: data, EntryType: entryType}
}

// IsConflict checks whether the current log entry conflicts with
// another log entry. Two log entries are considered conflicting if
// they have the same index but different terms.
func (e *LogEntry) IsConflict(other *LogEntry) bool {
	return e.Index == other.Index && e.Term != other.Term
}

// persistentLog implements the Log interface. Not concurrent safe -
// the role state machine guarantees single-threaded access per §5.
type persistentLog struct {
	// The in-memory log entries. entries[0] is always a placeholder
	// whose Index/Term record the last compacted or discarded point.
	entries []*LogEntry

	// The file that the log is written to.
	file *os.File

	// The directory where the log is persisted to.
	path string
}

// NewLog creates a new instance of Log at the provided path.
func NewLog(path string) Log {
	return &persistentLog{path: path}
}

func (l *persistentLog) Open() error {
	fileName := filepath.Join(l.path, "log.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed to open log")
	}
	l.file = file
	l.entries = make([]*LogEntry, 0)
	return nil
}

func (l *persistentLog) Replay() error {
	reader := bufio.NewReader(l.file)

	for {
		entry, err := decodeLogEntry(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WrapError(err, "failed while replaying log")
		}
		l.entries = append(l.entries, entry)
	}

	// The log must always contain at least one entry. The first entry
	// is a placeholder entry used for indexing into the log.
	if len(l.entries) == 0 {
		entry := &LogEntry{}
		if err := encodeLogEntry(l.file, entry); err != nil {
			return errors.WrapError(err, "failed while replaying log")
		}
		if err := l.file.Sync(); err != nil {
			return errors.WrapError(err, "failed while replaying log")
		}
		l.entries = append(l.entries, entry)
	}

	return nil
}

func (l *persistentLog) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close log")
	}
	l.entries = nil
	l.file = nil
	return nil
}

func (l *persistentLog) GetEntry(index uint64) (*LogEntry, error) {
	if l.file == nil {
		return nil, errLogNotOpen
	}

	logIndex := index - l.entries[0].Index
	lastIndex := uint64(len(l.entries)) - 1
	if logIndex <= 0 || logIndex > lastIndex {
		return nil, errIndexDoesNotExist
	}

	return l.entries[logIndex], nil
}

func (l *persistentLog) Contains(index uint64) bool {
	if len(l.entries) == 0 {
		return false
	}
	logIndex := index - l.entries[0].Index
	return !(logIndex <= 0 || logIndex >= uint64(len(l.entries)))
}

func (l *persistentLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

func (l *persistentLog) AppendEntries(entries []*LogEntry) error {
	if l.file == nil {
		return errLogNotOpen
	}

	for _, entry := range entries {
		offset, err := l.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed while appending entries to log")
		}
		entry.Offset = offset
		if err := encodeLogEntry(l.file, entry); err != nil {
			return errors.WrapError(err, "failed while appending entries to log")
		}
	}

	if err := l.file.Sync(); err != nil {
		return errors.WrapError(err, "failed while appending entries to log")
	}

	l.entries = append(l.entries, entries...)

	return nil
}

func (l *persistentLog) Truncate(index uint64) error {
	if l.file == nil {
		return errLogNotOpen
	}

	logIndex := index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return errIndexDoesNotExist
	}

	// The offset of the entry at the provided index is the new size of
	// the file - everything from there on is discarded.
	size := l.entries[logIndex].Offset

	if err := l.file.Truncate(size); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}
	if err := l.file.Sync(); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}
	if _, err := l.file.Seek(size, io.SeekStart); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}

	l.entries = l.entries[:logIndex]

	return nil
}

func (l *persistentLog) Compact(index uint64) error {
	if l.file == nil {
		return errLogNotOpen
	}

	logIndex := index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return errIndexDoesNotExist
	}

	newEntries := make([]*LogEntry, uint64(len(l.entries))-logIndex)
	copy(newEntries, l.entries[logIndex:])

	tmpFile, err := os.CreateTemp(l.path, "tmp-")
	if err != nil {
		return errors.WrapError(err, "failed to compact log")
	}

	for _, entry := range newEntries {
		offset, err := tmpFile.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed to compact log")
		}
		entry.Offset = offset
		if err := encodeLogEntry(tmpFile, entry); err != nil {
			return errors.WrapError(err, "failed to compact log")
		}
	}

	if err := l.rename(tmpFile); err != nil {
		return errors.WrapError(err, "failed to compact log")
	}

	l.entries = newEntries

	return nil
}

func (l *persistentLog) DiscardEntries(index uint64, term uint64) error {
	if l.file == nil {
		return errLogNotOpen
	}

	tmpFile, err := os.CreateTemp(l.path, "tmp-")
	if err != nil {
		return errors.WrapError(err, "failed to discard log entries")
	}

	// Write a placeholder entry to the temporary file with the
	// provided term and index - everything before it is gone.
	entry := &LogEntry{Index: index, Term: term}
	if err := encodeLogEntry(tmpFile, entry); err != nil {
		return errors.WrapError(err, "failed to discard log entries")
	}

	if err := l.rename(tmpFile); err != nil {
		return errors.WrapError(err, "failed to discard log entries")
	}

	l.entries = []*LogEntry{entry}

	return nil
}

func (l *persistentLog) FirstIndex() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Index
}

func (l *persistentLog) LastTerm() uint64 {
	return l.entries[len(l.entries)-1].Term
}

func (l *persistentLog) LastIndex() uint64 {
	return l.entries[len(l.entries)-1].Index
}

func (l *persistentLog) NextIndex() uint64 {
	return l.entries[len(l.entries)-1].Index + 1
}

func (l *persistentLog) Size() int {
	return len(l.entries)
}

func (l *persistentLog) rename(tmpFile *os.File) error {
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpFile.Name(), l.file.Name()); err != nil {
		return err
	}

	fileName := filepath.Join(l.path, "log.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	l.file = file
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	return nil
}
