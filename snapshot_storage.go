package raft

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vsuslov/copycat/internal/errors"
)

var (
	errSnapshotStoreNotOpen = errors.New("snapshot storage is not open")
	errSnapshotFileClosed   = errors.New("snapshot file is closed")
)

const snapshotFilePrefix = "snapshot-"
const snapshotFileSuffix = ".bin"

// SnapshotMetadata describes a snapshot without its contents: the last
// log index and term it reflects.
type SnapshotMetadata struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// SnapshotFile is a single snapshot, readable and - while being
// installed or taken - writable as a stream. InstallSnapshot RPCs
// arrive in chunks, so the file must support seeking to resume a
// partially-written transfer; taking a snapshot of the state machine
// writes it once, start to finish.
type SnapshotFile interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	// Metadata returns the last included index and term this snapshot
	// reflects.
	Metadata() SnapshotMetadata

	// Discard abandons an in-progress snapshot file without
	// committing it. Used when a newer snapshot supersedes one that
	// has not finished being written.
	Discard() error
}

// SnapshotStorage represents the component of Raft responsible for
// persistently storing snapshots of the state machine. Like Log, it is
// treated as an external collaborator; this package supplies a
// default, directory-of-files implementation.
type SnapshotStorage interface {
	PersistentStorage

	// NewSnapshotFile creates a new, empty snapshot file for writing,
	// associated with the given last included index and term. The file
	// is not visible to SnapshotFile until it is closed.
	NewSnapshotFile(lastIncludedIndex uint64, lastIncludedTerm uint64) (SnapshotFile, error)

	// SnapshotFile returns the most recently completed snapshot file,
	// opened for reading, or nil if no snapshot has ever been taken.
	SnapshotFile() (SnapshotFile, error)
}

// persistentSnapshotStorage implements SnapshotStorage by keeping one
// file per completed snapshot in a directory, named so that the
// lexicographic and numeric orderings of last-included-index agree.
// This implementation is not concurrent safe.
type persistentSnapshotStorage struct {
	path string
	open bool
}

// NewSnapshotStorage creates a new SnapshotStorage rooted at the
// provided directory.
func NewSnapshotStorage(path string) SnapshotStorage {
	return &persistentSnapshotStorage{path: path}
}

func (s *persistentSnapshotStorage) Open() error {
	if err := os.MkdirAll(s.path, 0o777); err != nil {
		return errors.WrapError(err, "failed to open snapshot storage")
	}
	s.open = true
	return nil
}

func (s *persistentSnapshotStorage) Replay() error {
	if !s.open {
		return errSnapshotStoreNotOpen
	}
	// Completed snapshots are discovered by listing the directory, so
	// there is no in-memory index to rebuild here. Stale, half-written
	// temporary files from a crash mid-install are left in place; the
	// next InstallSnapshot sequence creates a fresh one rather than
	// trying to resume an unverified partial file.
	return nil
}

func (s *persistentSnapshotStorage) Close() error {
	s.open = false
	return nil
}

func (s *persistentSnapshotStorage) NewSnapshotFile(
	lastIncludedIndex uint64,
	lastIncludedTerm uint64,
) (SnapshotFile, error) {
	if !s.open {
		return nil, errSnapshotStoreNotOpen
	}

	tmpFile, err := os.CreateTemp(s.path, "tmp-snapshot-")
	if err != nil {
		return nil, errors.WrapError(err, "failed to create snapshot file")
	}

	finalPath := filepath.Join(s.path, snapshotFileName(lastIncludedIndex, lastIncludedTerm))

	return &persistentSnapshotFile{
		file:      tmpFile,
		finalPath: finalPath,
		metadata: SnapshotMetadata{
			LastIncludedIndex: lastIncludedIndex,
			LastIncludedTerm:  lastIncludedTerm,
		},
	}, nil
}

func (s *persistentSnapshotStorage) SnapshotFile() (SnapshotFile, error) {
	if !s.open {
		return nil, errSnapshotStoreNotOpen
	}

	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, errors.WrapError(err, "failed to list snapshot storage")
	}

	var best string
	var bestMetadata SnapshotMetadata
	found := false
	for _, entry := range entries {
		metadata, ok := parseSnapshotFileName(entry.Name())
		if !ok {
			continue
		}
		if !found || metadata.LastIncludedIndex > bestMetadata.LastIncludedIndex {
			best = entry.Name()
			bestMetadata = metadata
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	file, err := os.Open(filepath.Join(s.path, best))
	if err != nil {
		return nil, errors.WrapError(err, "failed to open snapshot file")
	}

	return &persistentSnapshotFile{
		file:      file,
		finalPath: filepath.Join(s.path, best),
		committed: true,
		metadata:  bestMetadata,
	}, nil
}

func snapshotFileName(lastIncludedIndex, lastIncludedTerm uint64) string {
	return fmt.Sprintf("%s%020d-%020d%s", snapshotFilePrefix, lastIncludedIndex, lastIncludedTerm, snapshotFileSuffix)
}

func parseSnapshotFileName(name string) (SnapshotMetadata, bool) {
	if !strings.HasPrefix(name, snapshotFilePrefix) || !strings.HasSuffix(name, snapshotFileSuffix) {
		return SnapshotMetadata{}, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, snapshotFilePrefix), snapshotFileSuffix)
	parts := strings.SplitN(trimmed, "-", 2)
	if len(parts) != 2 {
		return SnapshotMetadata{}, false
	}
	index, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return SnapshotMetadata{}, false
	}
	term, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return SnapshotMetadata{}, false
	}
	return SnapshotMetadata{LastIncludedIndex: index, LastIncludedTerm: term}, true
}

// persistentSnapshotFile implements SnapshotFile over a single backing
// *os.File. While being written, the backing file is a temporary file;
// Close renames it into place atomically so that SnapshotStorage never
// observes a half-written snapshot.
type persistentSnapshotFile struct {
	file      *os.File
	finalPath string
	metadata  SnapshotMetadata
	committed bool
	closed    bool
}

func (f *persistentSnapshotFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errSnapshotFileClosed
	}
	return f.file.Read(p)
}

func (f *persistentSnapshotFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errSnapshotFileClosed
	}
	return f.file.Write(p)
}

func (f *persistentSnapshotFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, errSnapshotFileClosed
	}
	return f.file.Seek(offset, whence)
}

func (f *persistentSnapshotFile) Metadata() SnapshotMetadata {
	return f.metadata
}

func (f *persistentSnapshotFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if f.committed {
		return f.file.Close()
	}

	if err := f.file.Sync(); err != nil {
		return errors.WrapError(err, "failed to close snapshot file")
	}
	if err := f.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close snapshot file")
	}
	if err := os.Rename(f.file.Name(), f.finalPath); err != nil {
		return errors.WrapError(err, "failed to commit snapshot file")
	}
	f.committed = true

	return nil
}

func (f *persistentSnapshotFile) Discard() error {
	if f.committed {
		return nil
	}
	name := f.file.Name()
	if !f.closed {
		f.closed = true
		_ = f.file.Close()
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.WrapError(err, "failed to discard snapshot file")
	}
	return nil
}
