package raft

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/vsuslov/copycat/internal/logger"
	"github.com/vsuslov/copycat/internal/util"
	"github.com/vsuslov/copycat/quorum"
)

// Role identifies the part a server currently plays in the cluster
// (§4.1). Inactive, Reserve, and Passive are non-voting roles that let
// a server join, stand by, or catch up without affecting quorum size;
// Follower, Candidate, and Leader are the classic Raft roles among the
// Active membership. Shutdown is this package's own bookkeeping state
// for a server that has not been started or has been stopped.
type Role uint32

const (
	Shutdown Role = iota
	Inactive
	Reserve
	Passive
	Follower
	Candidate
	Leader
)

// String returns a human-readable role name.
func (s Role) String() string {
	switch s {
	case Shutdown:
		return "shutdown"
	case Inactive:
		return "inactive"
	case Reserve:
		return "reserve"
	case Passive:
		return "passive"
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Status reports a point-in-time snapshot of a server's identity and
// progress.
type Status struct {
	ID          string
	Address     string
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	Role        Role

	// CatchingUp is true while this server is Passive and has not yet
	// been promoted to Active by a configuration change.
	CatchingUp bool
}

// Raft implements the role state machine, log replication, commit
// advancement, snapshot installation, and session management described
// in §4 and §3. Both the log and snapshot storage backends and the
// transport are external collaborators (§1); this type only depends on
// their interfaces.
type Raft struct {
	id       string
	leaderID string

	options options

	transport Transport

	// configuration is the cluster membership currently in effect.
	// Followers replace it when they apply a Configuration log entry;
	// the leader replaces it as soon as it appends one.
	configuration Configuration

	// appenders tracks replication progress for every member other than
	// this server, keyed by member ID.
	appenders map[string]*appender

	log             Log
	stateStorage    StateStorage
	snapshotStorage SnapshotStorage

	// snapshot is the in-progress snapshot file being written to while
	// this server is the target of an InstallSnapshot stream.
	snapshot SnapshotFile

	fsm StateMachine

	sessions *sessionManager

	// pendingCommands maps a log index to the reply channel and session
	// context of a Command RPC this server is servicing as leader. It
	// is the session-aware analogue of the teacher's bare
	// responseCh-keyed operationManager map.
	pendingCommands map[uint64]pendingResponse

	applyCond *sync.Cond

	role Role

	commitIndex uint64
	lastApplied uint64
	currentTerm uint64

	lastIncludedIndex uint64
	lastIncludedTerm  uint64

	votedFor string

	lastContact time.Time

	// lastHeartbeatQuorum is the last time a heartbeat round reached a
	// quorum of the Active membership while this server was Leader.
	// Grounded on the atomix raft-storage appender's lastQuorumTime:
	// if this falls more than electionTimeout behind, the leader
	// suspects a network partition and steps down (§4.1, §4.2).
	lastHeartbeatQuorum time.Time

	// catchingUp is set while this server is Passive and cleared when a
	// configuration change promotes it to Active. The promotion itself
	// is proposed by the leader once this member's matchIndex is close
	// enough to commitIndex (appender.readyForPromotion, §4.2).
	catchingUp bool

	wg sync.WaitGroup
	mu sync.Mutex
}

// NewRaft creates a new Raft server with the given ID, initial cluster
// membership, state machine, and data path for the default persistent
// collaborators. The server starts Shutdown; call Start to run it.
func NewRaft(
	id string,
	members []Member,
	fsm StateMachine,
	dataPath string,
	opts ...Option,
) (*Raft, error) {
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}
	if options.logger == nil {
		defaultLogger, err := logger.NewLogger()
		if err != nil {
			return nil, err
		}
		options.logger = defaultLogger
	}
	if options.heartbeatInterval == 0 {
		options.heartbeatInterval = defaultHeartbeat
	}
	if options.electionTimeout == 0 {
		options.electionTimeout = defaultElectionTimeout
	}
	if options.maxEntriesPerRPC == 0 {
		options.maxEntriesPerRPC = defaultMaxEntriesPerRPC
	}
	if options.sessionTimeout == 0 {
		options.sessionTimeout = defaultSessionTimeout
	}
	if options.keepAliveInterval == 0 {
		options.keepAliveInterval = defaultKeepAliveInterval
	}

	r := &Raft{
		id:              id,
		role:            Shutdown,
		fsm:             fsm,
		options:         options,
		configuration:   Configuration{Members: members},
		pendingCommands: make(map[uint64]pendingResponse),
	}

	if options.transport != nil {
		r.transport = options.transport
	}
	if options.log != nil {
		r.log = options.log
	} else {
		r.log = NewLog(dataPath)
	}
	if options.stateStorage != nil {
		r.stateStorage = options.stateStorage
	} else {
		r.stateStorage = NewStateStorage(dataPath)
	}
	if options.snapshotStorage != nil {
		r.snapshotStorage = options.snapshotStorage
	} else {
		r.snapshotStorage = NewSnapshotStorage(dataPath)
	}

	r.appenders = make(map[string]*appender, len(members))
	for _, m := range members {
		if m.ID == r.id {
			continue
		}
		r.appenders[m.ID] = newAppender(m, 1)
	}

	r.applyCond = sync.NewCond(&r.mu)
	r.sessions = newSessionManager(fsm, options.logger, r.onEventsProduced)

	return r, nil
}

// Start brings the server up: it restores persisted state, replays the
// log, restores the most recent snapshot into the state machine,
// connects to peers, and launches the apply, election, heartbeat, and
// session-sweep loops.
func (r *Raft) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Shutdown {
		return nil
	}

	if r.transport != nil {
		r.transport.RegisterAppendEntriesHandler(r.handleAppendEntries)
		r.transport.RegisterRequestVoteHandler(r.handleRequestVote)
		r.transport.RegisterPollHandler(r.handlePoll)
		r.transport.RegisterInstallSnapshotHandler(r.handleInstallSnapshot)
		r.transport.RegisterConfigureHandler(r.handleConfigure)
		r.transport.RegisterCommandHandler(r.handleCommand)
		r.transport.RegisterQueryHandler(r.handleQuery)
		r.transport.RegisterRegisterHandler(r.handleRegister)
		r.transport.RegisterKeepAliveHandler(r.handleKeepAlive)
		r.transport.RegisterUnregisterHandler(r.handleUnregister)
		r.transport.RegisterConnectHandler(r.handleConnect)
		r.transport.RegisterResetHandler(r.handleReset)
	}

	term, votedFor, err := r.stateStorage.State()
	if err != nil {
		return errorsWrap(err, "failed to recover persisted state")
	}
	r.currentTerm = term
	r.votedFor = votedFor

	if err := r.log.Open(); err != nil {
		return errorsWrap(err, "failed to open log")
	}
	if err := r.log.Replay(); err != nil {
		return errorsWrap(err, "failed to replay log")
	}

	if err := r.snapshotStorage.Open(); err != nil {
		return errorsWrap(err, "failed to open snapshot storage")
	}
	if err := r.snapshotStorage.Replay(); err != nil {
		return errorsWrap(err, "failed to replay snapshot storage")
	}
	file, err := r.snapshotStorage.SnapshotFile()
	if err != nil {
		return errorsWrap(err, "failed to get snapshot file")
	}
	if file != nil {
		metadata := file.Metadata()
		r.lastIncludedIndex = metadata.LastIncludedIndex
		r.lastIncludedTerm = metadata.LastIncludedTerm
		r.commitIndex = metadata.LastIncludedIndex
		r.lastApplied = metadata.LastIncludedIndex
		if err := r.fsm.Restore(file); err != nil {
			return errorsWrap(err, "failed to restore state machine from snapshot")
		}
		if err := file.Close(); err != nil {
			r.options.logger.Errorf("failed to close snapshot file: error = %v", err)
		}
	}

	if r.transport != nil {
		for id, a := range r.appenders {
			if err := r.transport.Connect(a.member.Address); err != nil {
				r.options.logger.Errorf("failed to connect to member %s: error = %v", id, err)
			}
		}
	}

	r.lastContact = time.Now()
	self, ok := r.configuration.member(r.id)
	switch {
	case !ok:
		r.role = Inactive
	case self.Type == Reserve:
		r.role = Reserve
	case self.Type == Passive:
		r.role = Passive
		r.catchingUp = true
	default:
		r.role = Follower
	}

	r.wg.Add(4)
	go r.applyLoop()
	go r.electionLoop()
	go r.heartbeatLoop()
	go r.sessionSweepLoop()

	r.options.logger.Infof("server started: id = %s, role = %s, term = %d", r.id, r.role, r.currentTerm)

	return nil
}

// Stop shuts the server down, waiting for its background loops to
// exit.
func (r *Raft) Stop() error {
	r.mu.Lock()
	if r.role == Shutdown {
		r.mu.Unlock()
		return nil
	}
	r.role = Shutdown
	r.applyCond.Broadcast()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transport != nil {
		for _, a := range r.appenders {
			if err := r.transport.Close(a.member.Address); err != nil {
				r.options.logger.Errorf("failed to close connection: error = %v", err)
			}
		}
		r.transport.Shutdown()
	}
	if err := r.log.Close(); err != nil {
		r.options.logger.Errorf("failed to close log: error = %v", err)
	}
	if err := r.snapshotStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close snapshot storage: error = %v", err)
	}

	r.options.logger.Info("server stopped")
	return nil
}

// Status reports this server's current identity and progress.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	address := ""
	if r.transport != nil {
		address = r.transport.Address()
	}
	return Status{
		ID:          r.id,
		Address:     address,
		Term:        r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		Role:        r.role,
		CatchingUp:  r.catchingUp,
	}
}

// errorsWrap is a small local alias kept so raft.go reads the same way
// the teacher's did (fmt.Errorf at the call site), without importing
// the errors package into every file that only needs it here and
// there.
func errorsWrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// --- RPC handlers -----------------------------------------------------

func (r *Raft) handleRequestVote(req *RequestVoteRequest, resp *RequestVoteResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role == Shutdown {
		return fmt.Errorf("server %s is shut down", r.id)
	}

	resp.Term = r.currentTerm
	resp.VoteGranted = false

	if req.Term < r.currentTerm {
		return nil
	}
	if req.Term > r.currentTerm {
		r.becomeFollower(req.CandidateID, req.Term)
		resp.Term = r.currentTerm
	}
	if r.votedFor != "" && r.votedFor != req.CandidateID {
		return nil
	}
	if !r.logUpToDate(req.LastLogTerm, req.LastLogIndex) {
		return nil
	}

	r.lastContact = time.Now()
	resp.VoteGranted = true
	r.votedFor = req.CandidateID
	r.persistTermAndVote()
	return nil
}

// handlePoll answers a pre-vote request (§4.1): it reports whether a
// vote would be granted without actually incrementing this server's
// term or recording a vote, so that a partitioned server rejoining the
// cluster cannot disrupt a stable leader just by running for election.
func (r *Raft) handlePoll(req *PollRequest, resp *PollResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role == Shutdown {
		return fmt.Errorf("server %s is shut down", r.id)
	}

	resp.Term = r.currentTerm
	resp.Accepted = false

	if req.Term < r.currentTerm {
		return nil
	}
	// A pre-vote is accepted only if this server would actually be
	// willing to vote: no current leader contact within the election
	// timeout, and the candidate's log is at least as up to date.
	if time.Since(r.lastContact) < r.options.electionTimeout {
		return nil
	}
	if !r.logUpToDate(req.LogTerm, req.LogIndex) {
		return nil
	}
	resp.Accepted = true
	return nil
}

func (r *Raft) logUpToDate(lastLogTerm, lastLogIndex uint64) bool {
	if lastLogTerm != r.log.LastTerm() {
		return lastLogTerm > r.log.LastTerm()
	}
	return lastLogIndex >= r.log.LastIndex()
}

// leaderRejectionError classifies why a leader-only request handler is
// about to refuse a request. A Reserve or Passive member can never
// become leader by construction (§4.1 excludes them from elections
// entirely), so it is not merely "the wrong server to ask" the way a
// Follower or Candidate is - it is reporting on its own role, not on
// cluster leadership, and should say so with ErrIllegalMemberState
// rather than the ErrNoLeader a client would otherwise interpret as
// "try the next address, a leader exists somewhere".
func (r *Raft) leaderRejectionError() ErrorKind {
	switch r.role {
	case Reserve, Passive, Inactive:
		return ErrIllegalMemberState
	default:
		return ErrNoLeader
	}
}

func (r *Raft) handleAppendEntries(req *AppendEntriesRequest, resp *AppendEntriesResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role == Shutdown {
		return fmt.Errorf("server %s is shut down", r.id)
	}

	resp.Term = r.currentTerm
	resp.Success = false

	if req.Term < r.currentTerm {
		return nil
	}

	r.lastContact = time.Now()
	r.leaderID = req.LeaderID

	if req.Term > r.currentTerm || r.role == Candidate {
		r.becomeFollower(req.LeaderID, req.Term)
		resp.Term = r.currentTerm
	}

	if r.lastIncludedIndex > req.PrevLogIndex {
		resp.Index = r.lastIncludedIndex + 1
		return nil
	}
	if r.log.NextIndex() <= req.PrevLogIndex {
		resp.Index = r.log.NextIndex()
		return nil
	}
	if r.lastIncludedIndex == req.PrevLogIndex && r.lastIncludedTerm != req.PrevLogTerm {
		resp.Index = r.lastIncludedIndex
		return nil
	}
	if r.lastIncludedIndex < req.PrevLogIndex {
		prevEntry, err := r.log.GetEntry(req.PrevLogIndex)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if prevEntry.Term != req.PrevLogTerm {
			index := req.PrevLogIndex - 1
			for ; index > r.lastIncludedIndex; index-- {
				entry, err := r.log.GetEntry(index)
				if err != nil {
					r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
				}
				if entry.Term != prevEntry.Term {
					break
				}
			}
			resp.Index = index + 1
			return nil
		}
	}

	resp.Success = true

	var toAppend []*LogEntry
	for i, entry := range req.Entries {
		if r.log.LastIndex() < entry.Index {
			toAppend = req.Entries[i:]
			break
		}
		existing, err := r.log.GetEntry(entry.Index)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if !existing.IsConflict(entry) {
			continue
		}
		if err := r.log.Truncate(entry.Index); err != nil {
			r.options.logger.Fatalf("failed to truncate log: error = %v", err)
		}
		toAppend = req.Entries[i:]
		break
	}
	if len(toAppend) > 0 {
		if err := r.log.AppendEntries(toAppend); err != nil {
			r.options.logger.Fatalf("failed to append entries to log: error = %v", err)
		}
	}

	if req.LeaderCommit > r.commitIndex {
		r.commitIndex = util.Min(req.LeaderCommit, r.log.LastIndex())
		r.applyCond.Broadcast()
	}

	return nil
}

func (r *Raft) handleInstallSnapshot(req *InstallSnapshotRequest, resp *InstallSnapshotResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role == Shutdown {
		return fmt.Errorf("server %s is shut down", r.id)
	}

	resp.Term = r.currentTerm
	if r.currentTerm > req.Term {
		return nil
	}
	if r.currentTerm < req.Term {
		r.becomeFollower(req.LeaderID, req.Term)
		resp.Term = req.Term
	}
	r.lastContact = time.Now()

	if r.lastIncludedIndex >= req.LastIncludedIndex || r.lastApplied >= req.LastIncludedIndex {
		return nil
	}

	if r.snapshot != nil {
		if r.snapshot.Metadata().LastIncludedIndex < req.LastIncludedIndex {
			if err := r.snapshot.Discard(); err != nil {
				r.options.logger.Fatalf("failed to discard snapshot: error = %v", err)
			}
			r.snapshot = nil
		}
	}
	if r.snapshot == nil {
		snap, err := r.snapshotStorage.NewSnapshotFile(req.LastIncludedIndex, req.LastIncludedTerm)
		if err != nil {
			r.options.logger.Fatalf("failed to create snapshot file: error = %v", err)
		}
		r.snapshot = snap
	}

	offset, err := r.snapshot.Seek(0, io.SeekCurrent)
	if err != nil {
		r.options.logger.Fatalf("failed to seek snapshot file: error = %v", err)
	}
	if req.Offset != offset {
		resp.BytesWritten = offset
		return nil
	}
	n, err := io.Copy(r.snapshot, bytes.NewReader(req.Data))
	if err != nil {
		r.options.logger.Fatalf("failed to write snapshot chunk: error = %v", err)
	}
	resp.BytesWritten = offset + n

	if !req.Done {
		return nil
	}
	if err := r.snapshot.Close(); err != nil {
		r.options.logger.Fatalf("failed to close snapshot file: error = %v", err)
	}
	r.snapshot = nil
	r.lastIncludedIndex = req.LastIncludedIndex
	r.lastIncludedTerm = req.LastIncludedTerm

	if entry, _ := r.log.GetEntry(req.LastIncludedIndex); entry != nil && entry.Term == req.LastIncludedTerm {
		for r.lastApplied < req.LastIncludedIndex {
			r.applyCond.Wait()
		}
		if r.lastIncludedIndex > req.LastIncludedIndex {
			return nil
		}
		if err := r.log.Compact(req.LastIncludedIndex); err != nil {
			r.options.logger.Fatalf("failed to compact log: error = %v", err)
		}
		return nil
	}

	snap, err := r.snapshotStorage.SnapshotFile()
	if err != nil {
		r.options.logger.Fatalf("failed to get snapshot file: error = %v", err)
	}
	r.mu.Unlock()
	restoreErr := r.fsm.Restore(snap)
	closeErr := snap.Close()
	r.mu.Lock()
	if restoreErr != nil {
		r.options.logger.Fatalf("failed to restore state machine: error = %v", restoreErr)
	}
	if closeErr != nil {
		r.options.logger.Errorf("failed to close snapshot file: error = %v", closeErr)
	}
	if err := r.log.DiscardEntries(req.LastIncludedIndex, req.LastIncludedTerm); err != nil {
		r.options.logger.Fatalf("failed to discard log entries: error = %v", err)
	}
	r.lastApplied = req.LastIncludedIndex
	r.commitIndex = req.LastIncludedIndex

	return nil
}

// handleConfigure applies a membership change proposed on this server
// (which must be the leader). The new configuration is appended as a
// Configuration log entry and replicated like any other entry. The
// leader adopts the new membership and appender set as soon as it
// appends the entry; other servers adopt it when they apply it (§4.2).
func (r *Raft) handleConfigure(req *ConfigureRequest, resp *ConfigureResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
		return nil
	}

	members := make([]Member, len(req.Members))
	copy(members, req.Members)
	data, err := encodeConfiguration(Configuration{Members: members})
	if err != nil {
		resp.Status = ErrInternalError
		return nil
	}

	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryConfiguration)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append configuration entry: error = %v", err)
	}
	r.applyConfigurationAppenders(Configuration{Index: entry.Index, Members: members})
	r.sendAppendEntriesToMembers()
	resp.Status = ErrNone
	return nil
}

func (r *Raft) handleConnect(req *ConnectRequest, resp *ConnectResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp.Leader = r.leaderID
	resp.Members = r.configuration.Members
	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
	}
	return nil
}

// --- session RPC handlers ----------------------------------------------

func (r *Raft) handleRegister(req *RegisterRequest, resp *RegisterResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
		resp.Leader = r.leaderID
		return nil
	}

	timeout := time.Duration(req.Timeout)
	if timeout <= 0 {
		timeout = r.options.sessionTimeout
	}
	data := encodeRegisterPayload(req.Client, timeout)
	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryRegister)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append register entry: error = %v", err)
	}
	r.sendAppendEntriesToMembers()

	resp.Status = ErrNone
	resp.Session = entry.Index
	resp.Leader = r.leaderID
	resp.Members = r.configuration.Members
	resp.Timeout = int64(timeout)
	return nil
}

func (r *Raft) handleKeepAlive(req *KeepAliveRequest, resp *KeepAliveResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
		resp.Leader = r.leaderID
		return nil
	}

	data := encodeKeepAlivePayload(req.Session, req.CommandSequence, req.EventIndex)
	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryKeepAlive)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append keep-alive entry: error = %v", err)
	}
	r.sendAppendEntriesToMembers()

	resp.Status = ErrNone
	resp.Leader = r.leaderID
	resp.Members = r.configuration.Members
	return nil
}

func (r *Raft) handleUnregister(req *UnregisterRequest, resp *UnregisterResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
		return nil
	}

	data := encodeUnregisterPayload(req.Session)
	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryUnregister)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append unregister entry: error = %v", err)
	}
	r.sendAppendEntriesToMembers()
	resp.Status = ErrNone
	return nil
}

// handleReset re-syncs a session's published-event bookkeeping after a
// client reports a gap between a PublishRequest's PreviousIndex and its
// own last-seen event index (§4.3). Unlike Register/KeepAlive/Unregister
// it is not appended to the log: it only corrects this leader's local
// view of what the client has already seen, not anything a follower
// would need to take over correctly. A client that fails over to a new
// leader mid-gap simply detects the gap again against that leader and
// resends the reset.
func (r *Raft) handleReset(req *ResetRequest, resp *ResetResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
		return nil
	}
	if err := r.sessions.applyReset(req.Session, req.Index); err != nil {
		resp.Status = ErrUnknownSessionError
		return nil
	}
	resp.Status = ErrNone
	return nil
}

func (r *Raft) handleCommand(req *CommandRequest, resp *CommandResponse) error {
	r.mu.Lock()

	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
		r.mu.Unlock()
		return nil
	}

	data := encodeCommandEntry(req.Session, req.Sequence, req.Command)
	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryCommand)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append command entry: error = %v", err)
	}

	ch := make(chan CommandResponse, 1)
	r.pendingCommands[entry.Index] = pendingResponse{sessionID: req.Session, sequence: req.Sequence, replyCh: ch}
	r.sendAppendEntriesToMembers()
	r.mu.Unlock()

	reply := <-ch
	*resp = reply
	return nil
}

// handleQuery answers a read-only operation at the consistency level
// the client requested (§4.3). Sequential queries are served as soon
// as this server's apply loop has caught up to the read index the
// client asked for. Linearizable queries additionally run a fresh
// heartbeat round and wait for it to be confirmed by a quorum first,
// so a leader that has already lost the cluster (but not yet
// discovered it) cannot answer from stale state.
func (r *Raft) handleQuery(req *QueryRequest, resp *QueryResponse) error {
	r.mu.Lock()

	if r.role != Leader {
		resp.Status = r.leaderRejectionError()
		r.mu.Unlock()
		return nil
	}

	readIndex := r.commitIndex
	if req.Index > readIndex {
		readIndex = req.Index
	}

	if req.Consistency == Linearizable {
		voters := r.configuration.voters()
		term := r.currentTerm
		r.mu.Unlock()

		if !r.confirmLeadership(voters, term) {
			r.mu.Lock()
			resp.Status = r.leaderRejectionError()
			r.mu.Unlock()
			return nil
		}

		r.mu.Lock()
		if r.currentTerm != term {
			resp.Status = ErrNoLeader
			r.mu.Unlock()
			return nil
		}
		if r.role != Leader {
			resp.Status = r.leaderRejectionError()
			r.mu.Unlock()
			return nil
		}
		if r.commitIndex > readIndex {
			readIndex = r.commitIndex
		}
	}

	for r.lastApplied < readIndex {
		if r.role != Leader {
			resp.Status = r.leaderRejectionError()
			r.mu.Unlock()
			return nil
		}
		r.applyCond.Wait()
	}
	defer r.mu.Unlock()

	op := &Operation{
		LogIndex:      r.commitIndex,
		LogTerm:       r.currentTerm,
		SessionID:     req.Session,
		Sequence:      req.Sequence,
		OperationType: Query,
		Bytes:         req.Query,
	}
	outcome, err := r.sessions.applyQuery(op)
	if err != nil {
		resp.Status = ErrQueryError
		resp.Error = err.Error()
		return nil
	}
	resp.Status = ErrNone
	resp.Index = r.commitIndex
	resp.EventIndex = outcome.eventIndex
	resp.Result = outcome.result
	if outcome.err != nil {
		resp.Status = ErrApplicationError
		resp.Error = outcome.err.Error()
	}
	return nil
}

// --- background loops ----------------------------------------------------

func (r *Raft) heartbeatLoop() {
	defer r.wg.Done()
	for {
		time.Sleep(r.options.heartbeatInterval)
		r.mu.Lock()
		if r.role == Shutdown {
			r.mu.Unlock()
			return
		}
		if r.role == Leader {
			if time.Since(r.lastHeartbeatQuorum) > r.options.electionTimeout {
				r.options.logger.Warnf("suspected network partition; stepping down: term = %d", r.currentTerm)
				r.becomeFollower("", r.currentTerm)
				r.mu.Unlock()
				continue
			}
			r.sendAppendEntriesToMembers()
		}
		r.mu.Unlock()
	}
}

// sessionSweepLoop periodically proposes expiring sessions that have
// gone quiet for more than twice their timeout (§3, §4.3). Only the
// leader proposes an expiration: it commits an Unregister entry for
// each stale session so every replica learns the outcome through the
// normal apply path instead of each one deciding independently off its
// own clock, which could leave replicas disagreeing about which
// sessions are still alive.
func (r *Raft) sessionSweepLoop() {
	defer r.wg.Done()
	for {
		time.Sleep(r.options.keepAliveInterval)
		r.mu.Lock()
		if r.role == Shutdown {
			r.mu.Unlock()
			return
		}
		if r.role == Leader {
			r.sweepExpiredSessions()
		}
		r.mu.Unlock()
	}
}

// sweepExpiredSessions commits an Unregister entry for every session
// this server has not heard from in over twice its timeout. Callers
// must hold r.mu and have already verified r.role == Leader.
func (r *Raft) sweepExpiredSessions() {
	expired := r.sessions.expiredSessionIDs(time.Now())
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		data := encodeUnregisterPayload(id)
		entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryUnregister)
		if err := r.log.AppendEntry(entry); err != nil {
			r.options.logger.Fatalf("failed to append unregister entry: error = %v", err)
		}
		r.options.logger.Infof("expiring inactive session: session = %d", id)
	}
	r.sendAppendEntriesToMembers()
}

func (r *Raft) electionLoop() {
	defer r.wg.Done()
	for {
		timeout := util.RandomTimeout(r.options.electionTimeout, 2*r.options.electionTimeout)
		time.Sleep(timeout)

		r.mu.Lock()
		if r.role == Shutdown {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.maybeElect()
	}
}

// maybeElect runs a pre-vote round before actually becoming a
// candidate, per §4.1: a server that cannot win a pre-vote never
// increments its term, so a partitioned server rejoining the cluster
// cannot disrupt a stable leader merely by calling elections.
func (r *Raft) maybeElect() {
	r.mu.Lock()
	if r.role != Follower || time.Since(r.lastContact) < r.options.electionTimeout {
		r.mu.Unlock()
		return
	}
	voters := r.configuration.voters()
	term := r.currentTerm
	lastIndex, lastTerm := r.log.LastIndex(), r.log.LastTerm()
	r.mu.Unlock()

	if !r.runPreVote(voters, term, lastIndex, lastTerm) {
		return
	}

	r.mu.Lock()
	if r.role != Follower {
		r.mu.Unlock()
		return
	}
	r.becomeCandidate()
	r.mu.Unlock()

	r.runElection(voters)
}

func (r *Raft) runPreVote(voters []Member, term, lastIndex, lastTerm uint64) bool {
	total := len(voters)
	if total == 0 {
		return true
	}
	result := make(chan bool, 1)
	q := quorum.New(total, total/2+1, func(succeeded bool) {
		select {
		case result <- succeeded:
		default:
		}
	})
	q.Succeed() // this server implicitly pre-votes for itself

	for _, m := range voters {
		if m.ID == r.id {
			continue
		}
		member := m
		go func() {
			resp, err := r.transport.SendPoll(member.Address, PollRequest{
				Term:        term,
				CandidateID: r.id,
				LogIndex:    lastIndex,
				LogTerm:     lastTerm,
			})
			if err != nil || !resp.Accepted {
				q.Fail()
				return
			}
			q.Succeed()
		}()
	}

	select {
	case ok := <-result:
		return ok
	case <-time.After(r.options.electionTimeout):
		return false
	}
}

// confirmLeadership runs a fresh round of heartbeats to the given
// voters and blocks until a quorum has answered without reporting a
// higher term, confirming this server was still the leader as of this
// call - the read-index leadership check §4.3 requires before serving
// a Linearizable query. It deliberately mirrors runPreVote/runElection's
// majority-wait shape rather than touching any appender's
// nextIndex/matchIndex, since it is a read-only probe, not real
// replication.
func (r *Raft) confirmLeadership(voters []Member, term uint64) bool {
	total := len(voters)
	if total == 0 {
		return true
	}
	result := make(chan bool, 1)
	q := quorum.New(total, total/2+1, func(succeeded bool) {
		select {
		case result <- succeeded:
		default:
		}
	})
	q.Succeed() // this server trivially confirms itself

	for _, m := range voters {
		if m.ID == r.id {
			continue
		}
		member := m
		go func() {
			resp, err := r.transport.SendAppendEntries(member.Address, AppendEntriesRequest{
				Term:     term,
				LeaderID: r.id,
			})
			if err != nil {
				q.Fail()
				return
			}
			if resp.Term > term {
				r.mu.Lock()
				if resp.Term > r.currentTerm {
					r.becomeFollower("", resp.Term)
				}
				r.mu.Unlock()
				q.Fail()
				return
			}
			q.Succeed()
		}()
	}

	select {
	case ok := <-result:
		return ok
	case <-time.After(r.options.electionTimeout):
		return false
	}
}

func (r *Raft) runElection(voters []Member) {
	r.mu.Lock()
	term := r.currentTerm
	lastIndex, lastTerm := r.log.LastIndex(), r.log.LastTerm()
	r.mu.Unlock()

	total := len(voters)
	if total == 0 {
		r.mu.Lock()
		if r.role == Candidate && r.currentTerm == term {
			r.becomeLeader()
		}
		r.mu.Unlock()
		return
	}

	q := quorum.New(total, total/2+1, func(succeeded bool) {
		if !succeeded {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.role == Candidate && r.currentTerm == term {
			r.becomeLeader()
		}
	})
	q.Succeed() // vote for self

	for _, m := range voters {
		if m.ID == r.id {
			continue
		}
		member := m
		go func() {
			resp, err := r.transport.SendRequestVote(member.Address, RequestVoteRequest{
				Term:         term,
				CandidateID:  r.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				q.Fail()
				return
			}
			r.mu.Lock()
			if resp.Term > r.currentTerm {
				r.becomeFollower("", resp.Term)
			}
			r.mu.Unlock()
			if resp.VoteGranted {
				q.Succeed()
			} else {
				q.Fail()
			}
		}()
	}
}

func (r *Raft) applyLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.role != Shutdown {
		r.applyCond.Wait()

		for r.lastApplied < r.commitIndex {
			entry, err := r.log.GetEntry(r.lastApplied + 1)
			if err != nil {
				r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
			}

			r.applyEntry(entry)
			r.lastApplied++

			if r.fsm.NeedSnapshot(r.log.Size()) {
				r.takeSnapshot()
			}
		}

		// Wake anyone waiting on lastApplied reaching some index - the
		// InstallSnapshot handler and a Linearizable/Sequential query's
		// read-index wait (handleQuery) both block on applyCond for
		// exactly this.
		r.applyCond.Broadcast()
	}
}

func (r *Raft) applyEntry(entry *LogEntry) {
	now := time.Now()

	switch entry.EntryType {
	case EntryNoOp, EntryInitialize:
		return

	case EntryConfiguration:
		config, err := decodeConfiguration(entry.Data)
		if err != nil {
			r.options.logger.Fatalf("failed to decode configuration entry: error = %v", err)
		}
		config.Index = entry.Index
		r.applyConfigurationAppenders(config)

	case EntryRegister:
		client, timeout, err := decodeRegisterPayload(entry.Data)
		if err != nil {
			r.options.logger.Fatalf("failed to decode register entry: error = %v", err)
		}
		r.sessions.applyRegister(entry.Index, client, timeout, now)

	case EntryKeepAlive:
		sessionID, commandSeq, eventIndex, err := decodeKeepAlivePayload(entry.Data)
		if err != nil {
			r.options.logger.Fatalf("failed to decode keep-alive entry: error = %v", err)
		}
		if err := r.sessions.applyKeepAlive(sessionID, commandSeq, eventIndex, now); err != nil {
			r.options.logger.Warnf("keep-alive rejected: error = %v", err)
		}

	case EntryUnregister:
		sessionID, err := decodeUnregisterPayload(entry.Data)
		if err != nil {
			r.options.logger.Fatalf("failed to decode unregister entry: error = %v", err)
		}
		if err := r.sessions.applyUnregister(sessionID); err != nil {
			r.options.logger.Warnf("unregister rejected: error = %v", err)
		}

	case EntryCommand:
		pending, hasPending := r.pendingCommands[entry.Index]
		delete(r.pendingCommands, entry.Index)

		sessionID, sequence, command, err := decodeCommandEntry(entry.Data)
		if err != nil {
			r.options.logger.Fatalf("failed to decode command entry: error = %v", err)
		}

		op := &Operation{
			LogIndex:      entry.Index,
			LogTerm:       entry.Term,
			SessionID:     sessionID,
			Sequence:      sequence,
			OperationType: Command,
			Bytes:         command,
		}

		outcome, err := r.sessions.applyCommand(entry.Index, op, now)
		if err != nil {
			if hasPending {
				r.sendCommandReplyWithoutBlocking(pending.replyCh, CommandResponse{Status: ErrUnknownSessionError, Error: err.Error()})
			}
			return
		}
		if !outcome.ready {
			if hasPending {
				r.sendCommandReplyWithoutBlocking(pending.replyCh, CommandResponse{
					Status:       ErrCommandError,
					LastSequence: outcome.lastSequence,
				})
			}
			return
		}
		if hasPending {
			reply := CommandResponse{
				Status:       ErrNone,
				Index:        entry.Index,
				EventIndex:   outcome.eventIndex,
				LastSequence: outcome.lastSequence,
				Result:       outcome.result,
			}
			if outcome.err != nil {
				reply.Status = ErrApplicationError
				reply.Error = outcome.err.Error()
			}
			r.sendCommandReplyWithoutBlocking(pending.replyCh, reply)
		}
	}
}

func (r *Raft) sendCommandReplyWithoutBlocking(ch chan CommandResponse, resp CommandResponse) {
	select {
	case ch <- resp:
	default:
	}
}

// onEventsProduced is the sessionManager's publish callback. The
// leader pushes the batch straight to the transport; followers never
// produce publishable output since they never run sessionManager
// against live client connections, but they still apply the same
// command stream so their state stays consistent.
func (r *Raft) onEventsProduced(sessionID uint64, previousIndex, eventIndex uint64, events []Event) {
	if r.role != Leader || r.transport == nil {
		return
	}
	if err := r.transport.PublishEvents(sessionID, PublishRequest{
		Session:       sessionID,
		EventIndex:    eventIndex,
		PreviousIndex: previousIndex,
		Events:        events,
	}); err != nil {
		r.options.logger.Warnf("failed to publish events: session = %d, error = %v", sessionID, err)
	}
}

// --- replication --------------------------------------------------------

func (r *Raft) sendAppendEntriesToMembers() {
	for id := range r.appenders {
		id := id
		go r.sendAppendEntries(id)
	}
}

func (r *Raft) sendAppendEntries(id string) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return
	}
	a, ok := r.appenders[id]
	if !ok || !a.receivesEntries() {
		r.mu.Unlock()
		return
	}

	if a.nextIndex <= r.lastIncludedIndex {
		r.mu.Unlock()
		r.sendInstallSnapshot(id)
		return
	}

	nextIndex := a.nextIndex
	prevLogIndex := util.Max(nextIndex-1, r.lastIncludedIndex)
	var prevLogTerm uint64
	if prevLogIndex == r.lastIncludedIndex {
		prevLogTerm = r.lastIncludedTerm
	} else {
		prevEntry, err := r.log.GetEntry(prevLogIndex)
		if err != nil {
			r.mu.Unlock()
			return
		}
		prevLogTerm = prevEntry.Term
	}

	limit := util.Min(r.log.NextIndex(), nextIndex+uint64(r.options.maxEntriesPerRPC))
	entries := make([]*LogEntry, 0, limit-nextIndex)
	for index := nextIndex; index < limit; index++ {
		entry, err := r.log.GetEntry(index)
		if err != nil {
			break
		}
		entries = append(entries, entry)
	}

	req := AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	address := a.member.Address
	r.mu.Unlock()

	resp, err := r.transport.SendAppendEntries(address, req)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Leader {
		return
	}
	if resp.Term > r.currentTerm {
		r.becomeFollower("", resp.Term)
		return
	}

	a, ok = r.appenders[id]
	if !ok {
		return
	}

	if !resp.Success {
		a.onRejected(resp.Index, r.options.nextIndexBisection)
		if a.nextIndex <= r.lastIncludedIndex {
			r.mu.Unlock()
			r.sendInstallSnapshot(id)
			r.mu.Lock()
		}
		return
	}

	a.onAccepted(prevLogIndex + uint64(len(entries)))
	if a.active() {
		a.lastAckTime = time.Now()
		r.updateHeartbeatQuorum()
	}
	if a.readyForPromotion(r.commitIndex) {
		r.promoteMember(id)
	}
	r.advanceCommitIndex()
}

// updateHeartbeatQuorum recomputes the most recent time at which a
// quorum of the Active membership (this server included) had
// acknowledged a heartbeat round, and advances lastHeartbeatQuorum if
// that time is newer. Grounded on the atomix raft-storage appender's
// commitTime, which sorts per-member ack times and takes the
// majority-th entry as the quorum-confirmed time.
func (r *Raft) updateHeartbeatQuorum() {
	voters := r.configuration.voters()
	times := make([]time.Time, 0, len(voters))
	for _, m := range voters {
		if m.ID == r.id {
			times = append(times, time.Now())
			continue
		}
		if a, ok := r.appenders[m.ID]; ok && !a.lastAckTime.IsZero() {
			times = append(times, a.lastAckTime)
		}
	}
	quorumSize := len(voters)/2 + 1
	if len(times) < quorumSize {
		return
	}
	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })
	quorumTime := times[quorumSize-1]
	if quorumTime.After(r.lastHeartbeatQuorum) {
		r.lastHeartbeatQuorum = quorumTime
	}
}

// advanceCommitIndex implements Raft's commit rule (§4.1): an entry is
// committed once a majority of the Active membership has replicated
// it and it belongs to the leader's current term. Passive and Reserve
// members never count toward this majority.
func (r *Raft) advanceCommitIndex() {
	voters := r.configuration.voters()
	quorumSize := len(voters)/2 + 1

	for index := r.commitIndex + 1; index <= r.log.LastIndex(); index++ {
		entry, err := r.log.GetEntry(index)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if entry.Term != r.currentTerm {
			continue
		}

		matches := 1
		for _, m := range voters {
			if m.ID == r.id {
				continue
			}
			if a, ok := r.appenders[m.ID]; ok && a.matchIndex >= index {
				matches++
			}
		}
		if matches < quorumSize {
			break
		}
		r.commitIndex = index
	}
	r.applyCond.Broadcast()
}

func (r *Raft) promoteMember(id string) {
	a, ok := r.appenders[id]
	if !ok {
		return
	}
	promoted := a.member
	promoted.Type = Active
	next := r.configuration.withMember(promoted)
	data, err := encodeConfiguration(next)
	if err != nil {
		r.options.logger.Errorf("failed to encode promoted configuration: error = %v", err)
		return
	}
	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryConfiguration)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append configuration entry: error = %v", err)
	}
	next.Index = entry.Index
	r.applyConfigurationAppenders(next)
}

// RemoveMember proposes decommissioning a member from the cluster
// configuration, the operator-driven converse of promoteMember's
// automatic catch-up promotion: where promoteMember grows the Active
// set once a Passive member's matchIndex has caught up, RemoveMember
// shrinks it on request. Like handleConfigure, the leader adopts the
// shrunk configuration and appender set as soon as it appends the
// entry, and other servers adopt it when they apply it (§3, §4.2); it
// is rejected with ErrNoLeader/ErrIllegalMemberState the same way
// handleConfigure is if this server cannot currently service it.
func (r *Raft) RemoveMember(id string) ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Leader {
		return r.leaderRejectionError()
	}

	next := r.configuration.withoutMember(id)
	data, err := encodeConfiguration(next)
	if err != nil {
		r.options.logger.Errorf("failed to encode configuration after removing member: error = %v", err)
		return ErrInternalError
	}
	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, data, EntryConfiguration)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append configuration entry: error = %v", err)
	}
	next.Index = entry.Index
	r.applyConfigurationAppenders(next)
	r.sendAppendEntriesToMembers()
	return ErrNone
}

func (r *Raft) applyConfigurationAppenders(config Configuration) {
	r.configuration = config
	next := make(map[string]*appender, len(config.Members))
	for _, m := range config.Members {
		if m.ID == r.id {
			continue
		}
		if existing, ok := r.appenders[m.ID]; ok {
			existing.member = m
			next[m.ID] = existing
			continue
		}
		next[m.ID] = newAppender(m, r.log.NextIndex())
	}
	r.appenders = next

	if self, ok := config.member(r.id); ok {
		switch {
		case self.Type == Active && (r.role == Passive || r.role == Reserve || r.role == Inactive):
			r.role = Follower
			r.catchingUp = false
		case self.Type == Passive && r.role == Inactive:
			r.role = Passive
			r.catchingUp = true
		}
	} else if r.role != Shutdown {
		r.role = Inactive
	}
}

func (r *Raft) sendInstallSnapshot(id string) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return
	}
	a, ok := r.appenders[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if a.snapshot == nil {
		snap, err := r.snapshotStorage.SnapshotFile()
		if err != nil || snap == nil {
			r.mu.Unlock()
			return
		}
		a.snapshot = snap
	}

	buf := make([]byte, r.options.maxEntriesPerRPC*64)
	n, readErr := a.snapshot.Read(buf)
	offset, _ := a.snapshot.Seek(0, io.SeekCurrent)
	done := readErr == io.EOF
	req := InstallSnapshotRequest{
		Term:              r.currentTerm,
		LeaderID:          r.id,
		LastIncludedIndex: a.snapshot.Metadata().LastIncludedIndex,
		LastIncludedTerm:  a.snapshot.Metadata().LastIncludedTerm,
		Offset:            offset - int64(n),
		Data:              buf[:n],
		Done:              done,
	}
	address := a.member.Address
	r.mu.Unlock()

	resp, err := r.transport.SendInstallSnapshot(address, req)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != Leader {
		return
	}
	if resp.Term > r.currentTerm {
		r.becomeFollower("", resp.Term)
		return
	}
	a, ok = r.appenders[id]
	if !ok {
		return
	}
	if done {
		a.onAccepted(req.LastIncludedIndex)
		if err := a.snapshot.Close(); err != nil {
			r.options.logger.Errorf("failed to close snapshot cursor: error = %v", err)
		}
		a.snapshot = nil
	}
}

func (r *Raft) takeSnapshot() {
	snap, err := r.snapshotStorage.NewSnapshotFile(r.lastApplied, r.currentTermAtIndex(r.lastApplied))
	if err != nil {
		r.options.logger.Errorf("failed to create snapshot file: error = %v", err)
		return
	}
	index := r.lastApplied

	r.mu.Unlock()
	err = r.fsm.Snapshot(snap)
	r.mu.Lock()

	if err != nil {
		if derr := snap.Discard(); derr != nil {
			r.options.logger.Errorf("failed to discard snapshot: error = %v", derr)
		}
		r.options.logger.Errorf("failed to snapshot state machine: error = %v", err)
		return
	}
	if err := snap.Close(); err != nil {
		r.options.logger.Errorf("failed to close snapshot file: error = %v", err)
		return
	}

	if index <= r.lastIncludedIndex {
		return
	}
	r.lastIncludedIndex = index
	r.lastIncludedTerm = r.currentTermAtIndex(index)
	if err := r.log.Compact(index); err != nil {
		r.options.logger.Errorf("failed to compact log: error = %v", err)
	}
}

func (r *Raft) currentTermAtIndex(index uint64) uint64 {
	if index == r.lastIncludedIndex {
		return r.lastIncludedTerm
	}
	entry, err := r.log.GetEntry(index)
	if err != nil {
		return r.currentTerm
	}
	return entry.Term
}

// --- role transitions ----------------------------------------------------

func (r *Raft) becomeCandidate() {
	r.currentTerm++
	r.votedFor = r.id
	r.persistTermAndVote()
	r.role = Candidate
	r.options.logger.Infof("entered candidate role: term = %d", r.currentTerm)
}

func (r *Raft) becomeLeader() {
	r.role = Leader
	r.leaderID = r.id
	r.lastHeartbeatQuorum = time.Now()
	for _, a := range r.appenders {
		a.nextIndex = r.log.LastIndex() + 1
		a.matchIndex = 0
		a.bisectLow, a.bisectHigh = 0, 0
		a.lastAckTime = time.Time{}
	}
	r.pendingCommands = make(map[uint64]pendingResponse)

	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, nil, EntryNoOp)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append no-op entry: error = %v", err)
	}
	r.sendAppendEntriesToMembers()
	r.options.logger.Infof("entered leader role: term = %d", r.currentTerm)
}

func (r *Raft) becomeFollower(leaderID string, term uint64) {
	// Inactive, Reserve and Passive servers adopt the newer term but keep
	// their role; only a configuration change moves them to Follower.
	nonVoting := r.role == Inactive || r.role == Reserve || r.role == Passive
	if !nonVoting {
		r.role = Follower
	}
	r.currentTerm = term
	r.leaderID = leaderID
	r.votedFor = ""
	r.persistTermAndVote()

	for index, pending := range r.pendingCommands {
		r.sendCommandReplyWithoutBlocking(pending.replyCh, CommandResponse{Status: ErrNoLeader})
		delete(r.pendingCommands, index)
	}

	if nonVoting {
		r.options.logger.Infof("adopted newer term: term = %d", r.currentTerm)
		return
	}
	r.options.logger.Infof("entered follower role: term = %d", r.currentTerm)
}

func (r *Raft) persistTermAndVote() {
	if err := r.stateStorage.SetState(r.currentTerm, r.votedFor); err != nil {
		r.options.logger.Fatalf("failed to persist term and vote: error = %v", err)
	}
}
