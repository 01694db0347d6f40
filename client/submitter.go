package client

import (
	"context"
	"sync"
	"time"

	raft "github.com/vsuslov/copycat"
)

// fibonacciBackoff is the retry schedule for a submitter's network
// failures, capped at its last entry (§4.5).
var fibonacciBackoff = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(fibonacciBackoff) {
		attempt = len(fibonacciBackoff) - 1
	}
	return fibonacciBackoff[attempt]
}

// pendingCommand is a command submitted but not yet answered, kept
// around so it can be resubmitted after a network failure or a
// COMMAND_ERROR gap report.
type pendingCommand struct {
	sequence        uint64
	requestSequence uint64
	command         []byte
	attempt         int
	callback        func(raft.CommandResponse, error)
}

// submitter drives one session's command submission, sequencing,
// retry, and gap-repair logic (§4.5). It is owned by exactly one
// client and touched only from that client's request-issuing calls,
// serialized by mu the way the teacher's single executor model
// expects every other piece of mutable per-connection state to be.
type submitter struct {
	conn      *clientConnection
	seq       *sequencer
	sessionID uint64

	// noOpCommand is submitted in place of a command this submitter
	// gives up on, so the session's sequence space stays dense; nil
	// means the caller never configured one, in which case densifying
	// is skipped rather than submitting a zero-length command the
	// state machine might mistake for a real one.
	noOpCommand []byte

	// resetSession is invoked with the leader-reported lastSequence
	// before resubmitting after a COMMAND_ERROR, so the server's
	// session forgets any sequence state past the gap point before
	// it sees the resubmitted commands (§4.5's "reset-indexes
	// keep-alive").
	resetSession func(ctx context.Context, lastSequence uint64)

	mu                     sync.Mutex
	commandRequestSequence uint64
	pending                map[uint64]*pendingCommand

	// lastResponseIndex is the highest committed log index this
	// submitter has observed in a successful CommandResponse, sent back
	// as QueryRequest.Index so the server can wait for its own apply
	// loop to catch up before serving a query (§4.3's read-your-writes
	// guarantee: commitIndex >= client.responseIndex).
	lastResponseIndex uint64
}

func newSubmitter(conn *clientConnection, seq *sequencer, sessionID uint64) *submitter {
	return &submitter{
		conn:      conn,
		seq:       seq,
		sessionID: sessionID,
		pending:   make(map[uint64]*pendingCommand),
	}
}

// lastAcknowledgedSequence reports the highest command sequence this
// submitter has nothing still pending for below, used as the
// CommandSequence reported in keep-alives so the server can trim its
// per-session response cache (§3).
func (s *submitter) lastAcknowledgedSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	lowest := s.commandRequestSequence
	for sequence := range s.pending {
		if sequence-1 < lowest {
			lowest = sequence - 1
		}
	}
	return lowest
}

// submitCommand assigns the command its session sequence and the
// sequencer's request sequence, then dispatches it.
func (s *submitter) submitCommand(ctx context.Context, command []byte, callback func(raft.CommandResponse, error)) {
	s.mu.Lock()
	s.commandRequestSequence++
	pc := &pendingCommand{
		sequence:        s.commandRequestSequence,
		requestSequence: s.seq.nextRequestSequence(),
		command:         command,
		callback:        callback,
	}
	s.pending[pc.sequence] = pc
	s.mu.Unlock()

	s.dispatch(ctx, pc)
}

func (s *submitter) dispatch(ctx context.Context, pc *pendingCommand) {
	conn, err := s.conn.connect(ctx)
	if err != nil {
		s.retry(ctx, pc)
		return
	}
	resp, err := conn.transport.SendCommand(conn.address, raft.CommandRequest{
		Session:  s.sessionID,
		Sequence: pc.sequence,
		Command:  pc.command,
	})
	if err != nil {
		s.conn.reconnect()
		s.retry(ctx, pc)
		return
	}
	s.handleCommandResponse(ctx, pc, resp)
}

func (s *submitter) handleCommandResponse(ctx context.Context, pc *pendingCommand, resp raft.CommandResponse) {
	switch resp.Status {
	case raft.ErrNone:
		s.complete(pc, resp, nil)

	case raft.ErrCommandError:
		s.onCommandError(ctx, pc, resp)

	case raft.ErrApplicationError,
		raft.ErrUnknownClientError,
		raft.ErrUnknownStateMachineError,
		raft.ErrInternalError:
		s.complete(pc, resp, nil)

	case raft.ErrClosedSession, raft.ErrUnknownSessionError:
		// Fatal, but the session itself is gone: nothing to densify.
		s.mu.Lock()
		delete(s.pending, pc.sequence)
		s.mu.Unlock()
		s.complete(pc, resp, nil)

	default:
		// NO_LEADER, ILLEGAL_MEMBER_STATE, and anything else this
		// server could not service: reconnect and retry with backoff.
		s.conn.reconnect()
		s.retry(ctx, pc)
	}
}

// onCommandError implements the gap-repair branch of §4.5: the
// session's state on the server is reset back to lastSequence, then
// every still-pending command beyond that point is resubmitted,
// capped at the attempt count of the command that discovered the gap
// so a long-retried command doesn't force its siblings through the
// same backoff.
func (s *submitter) onCommandError(ctx context.Context, pc *pendingCommand, resp raft.CommandResponse) {
	if s.resetSession != nil {
		s.resetSession(ctx, resp.LastSequence)
	}

	s.mu.Lock()
	var toResubmit []*pendingCommand
	for sequence, other := range s.pending {
		if sequence > resp.LastSequence {
			if other.attempt > pc.attempt {
				other.attempt = pc.attempt
			}
			toResubmit = append(toResubmit, other)
		}
	}
	s.mu.Unlock()

	for _, other := range toResubmit {
		s.dispatch(ctx, other)
	}
}

func (s *submitter) retry(ctx context.Context, pc *pendingCommand) {
	delay := backoffFor(pc.attempt)
	pc.attempt++

	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			s.dispatch(ctx, pc)
		case <-ctx.Done():
			s.abandon(pc, ctx.Err())
		}
	}()
}

// abandon gives up on pc because its caller's context ended while a
// retry was pending: a fatal failure in §4.5's sense. Since the
// session is not known to be closed, a no-op is submitted under the
// same sequence when noOpCommand is configured, so later commands are
// not stuck waiting for it on the server; the failure itself is passed
// through the sequencer so later responses are not held behind it.
func (s *submitter) abandon(pc *pendingCommand, cause error) {
	s.mu.Lock()
	delete(s.pending, pc.sequence)
	s.mu.Unlock()

	if s.noOpCommand != nil {
		go func() {
			conn, err := s.conn.connect(context.Background())
			if err != nil {
				return
			}
			_, _ = conn.transport.SendCommand(conn.address, raft.CommandRequest{
				Session:  s.sessionID,
				Sequence: pc.sequence,
				Command:  s.noOpCommand,
			})
		}()
	}

	s.seq.sequenceResponse(pc.requestSequence, raft.CommandResponse{}, func(r raft.CommandResponse) {
		if pc.callback != nil {
			pc.callback(r, cause)
		}
	})
}

func (s *submitter) complete(pc *pendingCommand, resp raft.CommandResponse, err error) {
	s.mu.Lock()
	delete(s.pending, pc.sequence)
	if resp.Status == raft.ErrNone && resp.Index > s.lastResponseIndex {
		s.lastResponseIndex = resp.Index
	}
	s.mu.Unlock()

	s.seq.sequenceResponse(pc.requestSequence, resp, func(r raft.CommandResponse) {
		if pc.callback != nil {
			pc.callback(r, err)
		}
	})
}

// submitQuery follows the simpler read path of §4.5: retry only on a
// network error, and surface every cluster-returned status to the
// caller unchanged. The query's Sequence is this submitter's last
// issued command sequence, not a request-local counter: it tells the
// leader which command this client has already seen acknowledged, so
// a query racing ahead of that command's apply can be rejected rather
// than answered from stale state (§4.3).
func (s *submitter) submitQuery(ctx context.Context, query []byte, consistency raft.ConsistencyLevel, callback func(raft.QueryResponse, error)) {
	s.mu.Lock()
	sequence := s.commandRequestSequence
	s.mu.Unlock()

	s.dispatchQuery(ctx, 0, sequence, query, consistency, callback)
}

func (s *submitter) dispatchQuery(ctx context.Context, attempt int, sequence uint64, query []byte, consistency raft.ConsistencyLevel, callback func(raft.QueryResponse, error)) {
	conn, err := s.conn.connect(ctx)
	if err != nil {
		s.retryQuery(ctx, attempt, sequence, query, consistency, callback)
		return
	}
	s.mu.Lock()
	responseIndex := s.lastResponseIndex
	s.mu.Unlock()
	resp, err := conn.transport.SendQuery(conn.address, raft.QueryRequest{
		Session:     s.sessionID,
		Sequence:    sequence,
		Index:       responseIndex,
		Consistency: consistency,
		Query:       query,
	})
	if err != nil {
		s.conn.reconnect()
		s.retryQuery(ctx, attempt, sequence, query, consistency, callback)
		return
	}
	if callback != nil {
		callback(resp, nil)
	}
}

func (s *submitter) retryQuery(ctx context.Context, attempt int, sequence uint64, query []byte, consistency raft.ConsistencyLevel, callback func(raft.QueryResponse, error)) {
	delay := backoffFor(attempt)
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			s.dispatchQuery(ctx, attempt+1, sequence, query, consistency, callback)
		case <-ctx.Done():
			if callback != nil {
				callback(raft.QueryResponse{}, ctx.Err())
			}
		}
	}()
}
