package raft

import "time"

// maxCachedResponses bounds how many past command responses a session
// keeps around for retry deduplication. Keep-alives drop the responses
// a client has acknowledged, so this is a backstop and generous
// headroom rather than a tightly reasoned limit.
const maxCachedResponses = 1024

// cachedResponse is one previously-applied command's result, kept so a
// retransmitted CommandRequest with the same sequence can be answered
// without re-applying it (§3, exactly-once semantics).
type cachedResponse struct {
	sequence   uint64
	index      uint64
	eventIndex uint64
	result     []byte
	err        error
}

// pendingCommand is a command whose sequence number arrived ahead of
// the session's expected next sequence. It is buffered rather than
// applied or rejected outright, since the client may simply have
// reordered two in-flight requests; it is drained once the gap closes.
type pendingCommand struct {
	operation *Operation
	index     uint64
}

// session is server-side bookkeeping for one client session, per §3.
// All access is serialized by the owning raft server's mu; session
// itself holds no lock.
type session struct {
	id      uint64
	client  string
	timeout time.Duration

	// lastUpdated is when this session last received a command or
	// keep-alive (queries do not refresh it); the expiration sweep
	// compares it against twice timeout.
	lastUpdated time.Time

	// commandSequence is the highest command sequence number applied so
	// far for this session.
	commandSequence uint64

	// responses caches the outcome of the last maxCachedResponses
	// applied commands, keyed by sequence, so retries are idempotent.
	responses map[uint64]cachedResponse

	// pending holds commands received out of order, keyed by sequence,
	// awaiting the sequence number that fills the gap in front of them.
	pending map[uint64]pendingCommand

	// eventIndex is the index of the last event batch published to this
	// session's client.
	eventIndex uint64

	// completeIndex is the highest event index the client has
	// acknowledged via KeepAlive, below which published events may be
	// discarded from any retransmission buffer.
	completeIndex uint64

	closed bool
}

func newSession(id uint64, client string, timeout time.Duration, now time.Time) *session {
	return &session{
		id:          id,
		client:      client,
		timeout:     timeout,
		lastUpdated: now,
		responses:   make(map[uint64]cachedResponse),
		pending:     make(map[uint64]pendingCommand),
	}
}

func (s *session) touch(now time.Time) {
	s.lastUpdated = now
}

// expired reports whether this session has gone quiet for more than
// twice its timeout without a keep-alive or command (§3, §4.3:
// "sessions not mentioned in any keep-alive for 2 x timeout are
// expired").
func (s *session) expired(now time.Time) bool {
	return !s.closed && now.Sub(s.lastUpdated) > 2*s.timeout
}

// recordResponse caches a command's result and evicts the oldest entry
// once the cache exceeds maxCachedResponses, keyed on distance below
// commandSequence rather than insertion order, since sequence order and
// apply order coincide for a single session.
func (s *session) recordResponse(sequence uint64, resp cachedResponse) {
	s.responses[sequence] = resp
	if uint64(len(s.responses)) <= maxCachedResponses {
		return
	}
	if sequence < maxCachedResponses {
		return
	}
	delete(s.responses, sequence-maxCachedResponses)
}

// cached returns the cached response for sequence, if any.
func (s *session) cached(sequence uint64) (cachedResponse, bool) {
	r, ok := s.responses[sequence]
	return r, ok
}
