package client

import (
	"sort"

	raft "github.com/vsuslov/copycat"
)

// sequencer merges two streams the server delivers independently -
// command responses (identified by request sequence) and published
// events (identified by log event index) - into the single
// linearization the caller's callbacks must observe (§4.4). It is
// owned by exactly one ClientConnection and touched only from that
// connection's single executor goroutine.
//
// Events never fire the instant they arrive. They are buffered until
// advance can prove where they belong relative to the response that is
// next in line: at or before that response's eventIndex, they fire
// ahead of it; past it, they fire after, and the response itself is
// released on the assumption that the skipped range will never be
// filled in (§8 scenario 4's "missing event gap").
type sequencer struct {
	// requestSequence is the next request number to assign; it only
	// ever increases.
	requestSequence uint64

	// responseSequence is the highest contiguous response sequence
	// whose callback has already fired.
	responseSequence uint64

	// eventIndex is the highest event index whose callback has
	// already fired.
	eventIndex uint64

	responses map[uint64]pendingResponse
	events    []pendingEvent
}

type pendingResponse struct {
	response raft.CommandResponse
	callback func(raft.CommandResponse)
}

type pendingEvent struct {
	request  raft.PublishRequest
	callback func(raft.PublishRequest)
}

func newSequencer() *sequencer {
	return &sequencer{responses: make(map[uint64]pendingResponse)}
}

// nextRequestSequence assigns the next monotonic request number.
func (s *sequencer) nextRequestSequence() uint64 {
	s.requestSequence++
	return s.requestSequence
}

// sequenceResponse records a command response and re-runs the merge.
func (s *sequencer) sequenceResponse(sequence uint64, response raft.CommandResponse, callback func(raft.CommandResponse)) {
	s.responses[sequence] = pendingResponse{response: response, callback: callback}
	s.advance()
}

// sequenceEvent buffers a published event batch and re-runs the merge.
// Events are never fired synchronously out of this call: whether one
// belongs ahead of or behind the response next in line can only be
// decided once that response itself is known, so everything goes
// through the same advance loop sequenceResponse uses.
func (s *sequencer) sequenceEvent(request raft.PublishRequest, callback func(raft.PublishRequest)) {
	s.insertEvent(pendingEvent{request: request, callback: callback})
	s.advance()
}

// advance fires everything that has become deliverable. For the
// response next in line it either confirms the event stream has
// already reached that response's eventIndex (firing any events below
// it first), or - if the earliest buffered event overshoots that
// eventIndex without ever landing on it - treats the gap as tolerated
// and releases the response before that overshooting event. Once no
// response is outstanding, remaining buffered events simply drain in
// order.
func (s *sequencer) advance() {
	for {
		next, hasResponse := s.responses[s.responseSequence+1]
		if hasResponse {
			if s.eventIndex >= next.response.EventIndex {
				s.fireResponse(next)
				continue
			}
			if len(s.events) == 0 {
				return
			}
			head := s.events[0]
			if head.request.EventIndex <= next.response.EventIndex {
				s.popEvent()
				continue
			}
			// head overshoots next.response.EventIndex: that exact
			// index will never arrive, so the gap is tolerated and
			// the response is released before the overshooting event.
			s.fireResponse(next)
			continue
		}

		if s.requestSequence == s.responseSequence && len(s.events) > 0 {
			s.popEvent()
			continue
		}
		return
	}
}

func (s *sequencer) fireResponse(p pendingResponse) {
	delete(s.responses, s.responseSequence+1)
	s.responseSequence++
	if p.callback != nil {
		p.callback(p.response)
	}
}

func (s *sequencer) popEvent() {
	ev := s.events[0]
	s.events = s.events[1:]
	if ev.request.EventIndex > s.eventIndex {
		s.eventIndex = ev.request.EventIndex
	}
	if ev.callback != nil {
		ev.callback(ev.request)
	}
}

// insertEvent keeps the pending event queue ordered by event index, so
// advance can always inspect just the head.
func (s *sequencer) insertEvent(ev pendingEvent) {
	i := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].request.EventIndex >= ev.request.EventIndex
	})
	s.events = append(s.events, pendingEvent{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = ev
}
