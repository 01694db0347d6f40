package raft

import (
	"time"

	"github.com/vsuslov/copycat/internal/errors"
)

// sessionManager owns every open session on this server and is the
// bridge between the committed log and the user state machine: it
// applies Register/KeepAlive/Unregister entries directly, and wraps
// Command entries with sequence-gap buffering before handing them to
// the state machine's Apply (§3, §4.3).
//
// sessionManager is not concurrency safe on its own; every method is
// called with the raft server's mu held, whether from the apply loop,
// an RPC handler (queries, resets) or the session-sweep loop.
type sessionManager struct {
	stateMachine StateMachine
	logger       Logger

	sessions  map[uint64]*session
	nextID    uint64

	// publish is invoked once per command apply that produced events,
	// so the caller can push a PublishRequest to the owning client. It
	// is a callback rather than a channel so sessionManager stays free
	// of any transport dependency.
	publish func(sessionID uint64, previousIndex, eventIndex uint64, events []Event)
}

func newSessionManager(stateMachine StateMachine, logger Logger, publish func(uint64, uint64, uint64, []Event)) *sessionManager {
	return &sessionManager{
		stateMachine: stateMachine,
		logger:       logger,
		sessions:     make(map[uint64]*session),
		publish:      publish,
	}
}

// applyRegister opens a new session at the given log index and returns
// its ID. The index is used as the session ID so that IDs are
// monotonic and globally unique without any extra coordination.
func (m *sessionManager) applyRegister(index uint64, client string, timeout time.Duration, now time.Time) uint64 {
	sess := newSession(index, client, timeout, now)
	m.sessions[index] = sess
	m.logger.Debugf("registered session %d for client %s", index, client)
	return index
}

// applyKeepAlive refreshes a session's liveness, records the client's
// acknowledged event index as completeIndex, and drops cached command
// responses at or below the acknowledged commandSequence.
func (m *sessionManager) applyKeepAlive(sessionID, commandSequence, eventIndex uint64, now time.Time) error {
	sess, ok := m.sessions[sessionID]
	if !ok || sess.closed {
		return errors.New("unknown or closed session")
	}
	sess.touch(now)
	sess.completeIndex = eventIndex
	for sequence := range sess.responses {
		if sequence <= commandSequence {
			delete(sess.responses, sequence)
		}
	}
	return nil
}

// applyUnregister explicitly closes a session. The session stays in the
// map until expireSessions removes it, but every later command, query,
// keep-alive or reset naming it is rejected as closed, retries included.
func (m *sessionManager) applyUnregister(sessionID uint64) error {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return errors.New("unknown session")
	}
	sess.closed = true
	return nil
}

// expireSessions removes every session that is closed or has not been
// heard from for more than twice its timeout, returning the IDs removed
// so the caller can log or notify as appropriate.
func (m *sessionManager) expireSessions(now time.Time) []uint64 {
	var expired []uint64
	for id, sess := range m.sessions {
		if sess.expired(now) || sess.closed {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	return expired
}

// expiredSessionIDs reports the IDs of open sessions that have gone
// quiet for more than twice their timeout, without mutating anything. It is a pure
// peek rather than expireSessions' mark-and-sweep, because the actual
// expiration decision has to be committed as an Unregister log entry
// and applied through the normal apply path (applyUnregister) on every
// replica - deciding it independently off each replica's own clock,
// the way expireSessions does, would let replicas disagree about which
// sessions are still alive (§3, §4.3).
func (m *sessionManager) expiredSessionIDs(now time.Time) []uint64 {
	var expired []uint64
	for id, sess := range m.sessions {
		if sess.expired(now) {
			expired = append(expired, id)
		}
	}
	return expired
}

// applyReset re-syncs a session's published-event bookkeeping after
// the client reports a gap (§4.3). It is handled directly rather than
// through the replicated log, since it only corrects this leader's own
// view of what its client has already seen - a client that reconnects
// to a new leader mid-gap simply detects the gap again from that
// leader's perspective and resends the reset.
func (m *sessionManager) applyReset(sessionID, index uint64) error {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return errors.New("unknown session")
	}
	if sess.closed {
		return errors.New("closed session")
	}
	sess.eventIndex = index
	return nil
}

// commandOutcome is what applyCommand returns: either a result ready to
// send back immediately, or an instruction to wait because the command
// was buffered pending an earlier sequence number.
type commandOutcome struct {
	// ready is false when the command was buffered rather than applied;
	// the caller must not reply yet.
	ready bool

	result       []byte
	err          error
	eventIndex   uint64
	lastSequence uint64
}

// applyCommand is the command-sequencing core described in §4.3 and
// §7: a command already seen is answered from cache, a command that
// arrives more than one ahead of the session's expected sequence is
// buffered and reported as a gap without blocking the apply loop, and
// otherwise the command is applied and any now-contiguous buffered
// commands are drained in sequence order.
func (m *sessionManager) applyCommand(index uint64, op *Operation, now time.Time) (commandOutcome, error) {
	sess, ok := m.sessions[op.SessionID]
	if !ok {
		return commandOutcome{}, errors.New("unknown session")
	}
	if sess.closed {
		return commandOutcome{}, errors.New("closed session")
	}
	sess.touch(now)

	if op.Sequence <= sess.commandSequence {
		if cached, ok := sess.cached(op.Sequence); ok {
			return commandOutcome{
				ready:        true,
				result:       cached.result,
				err:          cached.err,
				eventIndex:   cached.eventIndex,
				lastSequence: sess.commandSequence,
			}, nil
		}
		// Older than anything cached: the client is retrying a command
		// this server can no longer vouch for. Treat it as already
		// applied with no further effect, since at-least-once retry of
		// an exactly-once command must be a no-op (§7).
		return commandOutcome{ready: true, lastSequence: sess.commandSequence}, nil
	}

	if op.Sequence > sess.commandSequence+1 {
		sess.pending[op.Sequence] = pendingCommand{operation: op, index: index}
		return commandOutcome{
			ready:        false,
			lastSequence: sess.commandSequence,
		}, nil
	}

	outcome := m.applyInOrder(sess, index, op, now)

	for {
		next, ok := sess.pending[sess.commandSequence+1]
		if !ok {
			break
		}
		delete(sess.pending, sess.commandSequence+1)
		m.applyInOrder(sess, next.index, next.operation, now)
	}

	return outcome, nil
}

// applyInOrder applies a single command known to be exactly the next
// expected sequence for its session, caches the result, and publishes
// any events it produced.
func (m *sessionManager) applyInOrder(sess *session, index uint64, op *Operation, now time.Time) commandOutcome {
	result := m.stateMachine.Apply(op)
	sess.commandSequence = op.Sequence

	previousIndex := sess.eventIndex
	if len(result.Events) > 0 {
		sess.eventIndex = index
		if m.publish != nil {
			m.publish(sess.id, previousIndex, sess.eventIndex, result.Events)
		}
	}

	sess.recordResponse(op.Sequence, cachedResponse{
		sequence:   op.Sequence,
		index:      index,
		eventIndex: sess.eventIndex,
		result:     result.Result,
		err:        result.Err,
	})

	return commandOutcome{
		ready:        true,
		result:       result.Result,
		err:          result.Err,
		eventIndex:   sess.eventIndex,
		lastSequence: sess.commandSequence,
	}
}

// applyQuery runs a read-only operation directly against the state
// machine without advancing commandSequence or touching the response
// cache, since queries are explicitly never logged or deduplicated by
// sequence. The consistency-level wait (commit-index catch-up, plus a
// heartbeat-quorum confirmation for Linearizable reads) is the
// caller's responsibility; this method only enforces the one check
// that is intrinsic to session state itself - a query is rejected
// outright if it claims to have observed a command sequence this
// session has not actually applied yet (§4.3).
func (m *sessionManager) applyQuery(op *Operation) (commandOutcome, error) {
	sess, ok := m.sessions[op.SessionID]
	if !ok {
		return commandOutcome{}, errors.New("unknown session")
	}
	if sess.closed {
		return commandOutcome{}, errors.New("closed session")
	}
	if op.Sequence > sess.commandSequence {
		return commandOutcome{}, errors.New("query sequence exceeds session's observed command sequence")
	}
	result := m.stateMachine.Apply(op)
	return commandOutcome{
		ready:        true,
		result:       result.Result,
		err:          result.Err,
		eventIndex:   sess.eventIndex,
		lastSequence: sess.commandSequence,
	}, nil
}
