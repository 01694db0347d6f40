package raft

import (
	"io"
	"os"
	"path/filepath"

	"github.com/vsuslov/copycat/internal/errors"
)

var errStateStorageNotOpen = errors.New("state storage is not open")

// StateStorage persists the two fields every role transition in the
// six-role state machine (§4.1) must survive a crash: currentTerm and
// votedFor. Nothing else about a server's role needs to be durable -
// Inactive/Reserve/Passive/Follower/Candidate/Leader are all recomputed
// from configuration and lastContact on restart, and a pre-vote
// (handlePoll) deliberately never calls SetState at all, since it never
// advances currentTerm or records a vote (that is the entire point of
// pre-vote: a rejected election must leave no durable trace).
type StateStorage interface {
	PersistentStorage

	// SetState durably persists term and votedFor together, as a single
	// atomic unit - becomeCandidate and becomeFollower both call this
	// exactly once per role transition (persistTermAndVote), and a torn
	// write that persisted one field without the other would let a
	// restarted server both vote again in a term it already voted in
	// and fail to recognize a term it had already seen.
	SetState(term uint64, votedFor string) error

	// State returns the most recently persisted term and vote. Before
	// Replay has been called, or if nothing has ever been persisted, it
	// returns the zero term and an empty vote - the correct state for a
	// server that has never participated in an election.
	State() (uint64, string, error)
}

// fileStateStorage implements StateStorage by rewriting a single small
// file on every term/vote change. It is not concurrency safe: like the
// sessionManager and the log, it is only ever touched with the Raft
// server's mu held.
type fileStateStorage struct {
	// path is the directory this server's state.bin lives in.
	path string

	// file is nil whenever the storage is closed.
	file *os.File

	// state is the most recently persisted term and vote.
	state persistentState
}

// NewStateStorage creates a StateStorage rooted at path. Call Open
// before use.
func NewStateStorage(path string) StateStorage {
	return &fileStateStorage{path: path}
}

func (s *fileStateStorage) stateFilePath() string {
	return filepath.Join(s.path, "state.bin")
}

func (s *fileStateStorage) Open() error {
	file, err := os.OpenFile(s.stateFilePath(), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed to open state storage file")
	}
	s.file = file
	return nil
}

func (s *fileStateStorage) Close() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close state storage file")
	}
	s.file = nil
	s.state = persistentState{}
	return nil
}

func (s *fileStateStorage) Replay() error {
	if s.file == nil {
		return errStateStorageNotOpen
	}

	state, err := decodePersistentState(s.file)
	if err != nil && err != io.EOF {
		return errors.WrapError(err, "failed while replaying state storage")
	}
	s.state = state
	return nil
}

// SetState persists term and votedFor as a single atomic unit via
// write-to-temp-then-rename, the same pattern the log uses when it
// compacts or discards entries: the vote for a term must never be observable as half
// written, since a crash mid-write followed by a restart into the old
// term would let this server cast a second, conflicting vote.
func (s *fileStateStorage) SetState(term uint64, votedFor string) error {
	if s.file == nil {
		return errStateStorageNotOpen
	}

	tmpFile, err := os.CreateTemp(s.path, "tmp-state-")
	if err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}

	next := persistentState{term: term, votedFor: votedFor}
	if err := encodePersistentState(tmpFile, &next); err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}
	if err := tmpFile.Sync(); err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}
	if err := s.file.Close(); err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}
	if err := os.Rename(tmpFile.Name(), s.stateFilePath()); err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}

	file, err := os.OpenFile(s.stateFilePath(), os.O_RDWR, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return errors.WrapError(err, "failed while persisting state")
	}

	s.file = file
	s.state = next
	return nil
}

func (s *fileStateStorage) State() (uint64, string, error) {
	if s.file == nil {
		return 0, "", errStateStorageNotOpen
	}
	return s.state.term, s.state.votedFor, nil
}
