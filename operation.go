package raft

// OperationType discriminates the two kinds of request a session ever
// submits to the state machine: a replicated command (logged, applied
// once, in order) or a read-only query (never logged).
type OperationType uint32

const (
	// Command is a replicated, order- and exactly-once-preserving
	// write against the state machine.
	Command OperationType = iota

	// Query is a read-only operation against the state machine's
	// current (linearizable or sequentially-consistent) state.
	Query
)

// String returns a human-readable name for the operation type.
func (t OperationType) String() string {
	switch t {
	case Command:
		return "command"
	case Query:
		return "query"
	default:
		return "unknown"
	}
}

// ConsistencyLevel selects how strongly a Query must be ordered with
// respect to concurrent commands.
type ConsistencyLevel uint32

const (
	// Linearizable queries observe state as of a commit index
	// confirmed current by a fresh heartbeat round (§4.3).
	Linearizable ConsistencyLevel = iota

	// Sequential queries skip the heartbeat confirmation and may
	// observe slightly stale state if this server has just lost
	// leadership without yet discovering it.
	Sequential
)

// Operation is the unit handed to the user state machine's Apply
// method. It carries enough session context for the state machine to
// tag events it emits with the session that should receive them.
type Operation struct {
	// LogIndex is the index of the log entry this operation was read
	// from, or the leader's commit index at submission time for a
	// query.
	LogIndex uint64

	// LogTerm is the term of the log entry this operation was read
	// from.
	LogTerm uint64

	// SessionID identifies the session that submitted this operation.
	SessionID uint64

	// Sequence is the session-scoped sequence number assigned by the
	// client at submission time.
	Sequence uint64

	// OperationType distinguishes a command from a query.
	OperationType OperationType

	// Bytes is the opaque, application-defined request payload.
	Bytes []byte
}

// ErrorKind enumerates the wire-level error conditions a server may
// report back to a client, per the error kinds named in §6/§7.
type ErrorKind uint32

const (
	// ErrNone indicates the response carries no error.
	ErrNone ErrorKind = iota

	// ErrNoLeader indicates this server does not know the current
	// leader; the client should try the next address.
	ErrNoLeader

	// ErrCommandError indicates a command was rejected because its
	// sequence number left a gap in the session's command stream.
	ErrCommandError

	// ErrQueryError indicates a query was rejected, e.g. because its
	// sequence exceeds the leader's observed command sequence for the
	// session.
	ErrQueryError

	// ErrApplicationError indicates the user state machine rejected
	// the operation; it is surfaced to the caller verbatim and is
	// never retried.
	ErrApplicationError

	// ErrIllegalMemberState indicates the server cannot service this
	// request in its current role (e.g. a Reserve or Passive member
	// receiving a client request).
	ErrIllegalMemberState

	// ErrUnknownClientError indicates the client identity referenced
	// by a request is not recognized.
	ErrUnknownClientError

	// ErrUnknownSessionError indicates the session referenced by a
	// request does not exist on this server.
	ErrUnknownSessionError

	// ErrUnknownStateMachineError indicates the request named a state
	// machine that is not registered on this server.
	ErrUnknownStateMachineError

	// ErrInternalError indicates an unexpected server-side failure
	// unrelated to the request's validity.
	ErrInternalError

	// ErrClosedSession indicates the session referenced by a request
	// has been closed (expired or explicitly unregistered).
	ErrClosedSession
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrNoLeader:
		return "NO_LEADER"
	case ErrCommandError:
		return "COMMAND_ERROR"
	case ErrQueryError:
		return "QUERY_ERROR"
	case ErrApplicationError:
		return "APPLICATION_ERROR"
	case ErrIllegalMemberState:
		return "ILLEGAL_MEMBER_STATE"
	case ErrUnknownClientError:
		return "UNKNOWN_CLIENT_ERROR"
	case ErrUnknownSessionError:
		return "UNKNOWN_SESSION_ERROR"
	case ErrUnknownStateMachineError:
		return "UNKNOWN_STATE_MACHINE_ERROR"
	case ErrInternalError:
		return "INTERNAL_ERROR"
	case ErrClosedSession:
		return "CLOSED_SESSION"
	default:
		return "UNKNOWN_ERROR"
	}
}

// pendingResponse is how the leader tracks a client-visible response
// that has not yet been delivered, keyed by the log index of the entry
// whose apply will produce it. It is the session-aware analogue of the
// teacher's bare responseCh-keyed operationManager map.
type pendingResponse struct {
	sessionID uint64
	sequence  uint64
	replyCh   chan CommandResponse
}
