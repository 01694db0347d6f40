package raft

// Transport is the network collaborator raft depends on to send and
// receive RPCs. Framing, TLS, and byte-level encoding are all outside
// this package's scope (§1); Transport is the seam at which a concrete
// implementation (see package transport/grpc for a gRPC-based one)
// plugs in.
type Transport interface {
	// Address returns the address this transport is bound to.
	Address() string

	// Connect establishes a connection to the peer at address, if one
	// does not already exist.
	Connect(address string) error

	// Close tears down the connection to the peer at address.
	Close(address string) error

	// Run starts serving incoming RPCs. It blocks until Shutdown is
	// called or a fatal transport error occurs.
	Run() error

	// Shutdown stops serving incoming RPCs.
	Shutdown()

	RegisterAppendEntriesHandler(func(*AppendEntriesRequest, *AppendEntriesResponse) error)
	RegisterRequestVoteHandler(func(*RequestVoteRequest, *RequestVoteResponse) error)
	RegisterPollHandler(func(*PollRequest, *PollResponse) error)
	RegisterInstallSnapshotHandler(func(*InstallSnapshotRequest, *InstallSnapshotResponse) error)
	RegisterConfigureHandler(func(*ConfigureRequest, *ConfigureResponse) error)
	RegisterCommandHandler(func(*CommandRequest, *CommandResponse) error)
	RegisterQueryHandler(func(*QueryRequest, *QueryResponse) error)
	RegisterRegisterHandler(func(*RegisterRequest, *RegisterResponse) error)
	RegisterKeepAliveHandler(func(*KeepAliveRequest, *KeepAliveResponse) error)
	RegisterUnregisterHandler(func(*UnregisterRequest, *UnregisterResponse) error)
	RegisterConnectHandler(func(*ConnectRequest, *ConnectResponse) error)

	SendAppendEntries(address string, request AppendEntriesRequest) (AppendEntriesResponse, error)
	SendRequestVote(address string, request RequestVoteRequest) (RequestVoteResponse, error)
	SendPoll(address string, request PollRequest) (PollResponse, error)
	SendInstallSnapshot(address string, request InstallSnapshotRequest) (InstallSnapshotResponse, error)
	SendConfigure(address string, request ConfigureRequest) (ConfigureResponse, error)
	SendCommand(address string, request CommandRequest) (CommandResponse, error)
	SendQuery(address string, request QueryRequest) (QueryResponse, error)
	SendRegister(address string, request RegisterRequest) (RegisterResponse, error)
	SendKeepAlive(address string, request KeepAliveRequest) (KeepAliveResponse, error)
	SendUnregister(address string, request UnregisterRequest) (UnregisterResponse, error)
	SendConnect(address string, request ConnectRequest) (ConnectResponse, error)

	// SendReset tells the server the last event index a client has
	// actually seen, used when the client detects a gap between a
	// PublishRequest's PreviousIndex and its own last-seen eventIndex
	// (§4.3). The server records that index as the session's last
	// published event index; batches already published are not sent
	// again.
	SendReset(address string, request ResetRequest) (ResetResponse, error)
	RegisterResetHandler(func(*ResetRequest, *ResetResponse) error)

	// PublishEvents pushes a PublishRequest to the client owning the
	// session it names. The concrete transport is responsible for
	// knowing which open connection, if any, corresponds to that
	// session.
	PublishEvents(sessionID uint64, request PublishRequest) error

	// RegisterPublishHandler lets a client-side transport observe
	// server-pushed PublishRequests for a given session.
	RegisterPublishHandler(func(*PublishRequest))
}

// AppendEntriesRequest is sent by the leader to replicate log entries
// (or, with Entries empty, as a heartbeat).
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
	GlobalIndex  uint64
}

// AppendEntriesResponse is the follower's reply to an AppendEntries RPC.
type AppendEntriesResponse struct {
	Status  ErrorKind
	Term    uint64
	Success bool

	// Index is a hint for the leader's next AppendEntries: the index
	// it should try next, either because the follower's log is too
	// short or because of a conflicting term.
	Index uint64
}

// RequestVoteRequest is sent by a candidate to request a vote.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is a peer's reply to a RequestVote RPC.
type RequestVoteResponse struct {
	Status      ErrorKind
	Term        uint64
	VoteGranted bool
}

// PollRequest is sent by a follower reaching election timeout to
// gauge, without incrementing its term, whether a majority would vote
// for it (§4.1's pre-vote).
type PollRequest struct {
	Term        uint64
	CandidateID string
	LogIndex    uint64
	LogTerm     uint64
}

// PollResponse is a peer's reply to a Poll RPC.
type PollResponse struct {
	Status   ErrorKind
	Term     uint64
	Accepted bool
}

// InstallSnapshotRequest carries one chunk of a snapshot being streamed
// to a follower whose log no longer contains the entries the leader
// would otherwise replicate.
type InstallSnapshotRequest struct {
	Term              uint64
	LeaderID          string
	ID                string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            int64
	Data              []byte
	Done              bool
}

// InstallSnapshotResponse is the follower's reply to an InstallSnapshot
// chunk.
type InstallSnapshotResponse struct {
	Status       ErrorKind
	Term         uint64
	BytesWritten int64
}

// ConfigureRequest carries a cluster membership change, to be appended
// as a Configuration log entry.
type ConfigureRequest struct {
	Term     uint64
	LeaderID string
	Index    uint64
	Members  []Member
}

// ConfigureResponse is the leader's reply once a configuration change
// has been accepted for replication (not necessarily committed yet).
type ConfigureResponse struct {
	Status ErrorKind
}

// CommandRequest submits a replicated operation on behalf of a session.
type CommandRequest struct {
	Session  uint64
	Sequence uint64
	Command  []byte
}

// CommandResponse is the leader's reply to a CommandRequest.
type CommandResponse struct {
	Status       ErrorKind
	Index        uint64
	EventIndex   uint64
	LastSequence uint64
	Result       []byte
	Error        string
}

// QueryRequest submits a read-only operation on behalf of a session.
type QueryRequest struct {
	Session      uint64
	Sequence     uint64
	Index        uint64
	Query        []byte
	Consistency  ConsistencyLevel
}

// QueryResponse is the leader's reply to a QueryRequest.
type QueryResponse struct {
	Status     ErrorKind
	Index      uint64
	EventIndex uint64
	Result     []byte
	Error      string
}

// PublishRequest is pushed by the server to a client to deliver a batch
// of events produced by one command's apply.
type PublishRequest struct {
	Session      uint64
	EventIndex   uint64
	PreviousIndex uint64
	Events       []Event
}

// ResetRequest is sent by a client that detected a gap in published
// events. Index is the last event index the client has seen; the
// server adopts it as the session's event index and does not resend
// earlier batches.
type ResetRequest struct {
	Session uint64
	Index   uint64
}

// ResetResponse acknowledges a ResetRequest.
type ResetResponse struct {
	Status ErrorKind
}

// ConnectRequest binds a client connection to an existing session,
// e.g. after the client has reconnected to a different server.
type ConnectRequest struct {
	Client     string
	Session    uint64
	Connection string
}

// ConnectResponse tells the client who the leader is and what the
// current cluster membership looks like.
type ConnectResponse struct {
	Status  ErrorKind
	Leader  string
	Members []Member
}

// RegisterRequest opens a new session.
type RegisterRequest struct {
	Client  string
	Timeout int64
}

// RegisterResponse returns the newly assigned session ID.
type RegisterResponse struct {
	Status    ErrorKind
	Session   uint64
	Leader    string
	Members   []Member
	Timeout   int64
}

// KeepAliveRequest reports a session's progress back to the cluster so
// its liveness timer is reset and its result cache can be trimmed.
type KeepAliveRequest struct {
	Session         uint64
	CommandSequence uint64
	EventIndex      uint64
}

// KeepAliveResponse acknowledges a keep-alive.
type KeepAliveResponse struct {
	Status  ErrorKind
	Leader  string
	Members []Member
}

// UnregisterRequest explicitly closes a session.
type UnregisterRequest struct {
	Session uint64
}

// UnregisterResponse acknowledges a session close.
type UnregisterResponse struct {
	Status ErrorKind
}
