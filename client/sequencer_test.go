package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	raft "github.com/vsuslov/copycat"
)

func TestSequencerEventBeforeResponse(t *testing.T) {
	s := newSequencer()
	seq := s.nextRequestSequence()

	var order []string
	s.sequenceEvent(raft.PublishRequest{Session: 1, EventIndex: 1, PreviousIndex: 0}, func(raft.PublishRequest) {
		order = append(order, "event")
	})
	s.sequenceResponse(seq, raft.CommandResponse{Index: 2, EventIndex: 1}, func(raft.CommandResponse) {
		order = append(order, "response")
	})

	require.Equal(t, []string{"event", "response"}, order)
}

func TestSequencerEventAfterResponse(t *testing.T) {
	s := newSequencer()
	seq := s.nextRequestSequence()

	var order []string
	s.sequenceResponse(seq, raft.CommandResponse{EventIndex: 1}, func(raft.CommandResponse) {
		order = append(order, "response")
	})
	require.Empty(t, order, "response must wait for its matching event")

	s.sequenceEvent(raft.PublishRequest{Session: 1, EventIndex: 1, PreviousIndex: 0}, func(raft.PublishRequest) {
		order = append(order, "event")
	})

	require.Equal(t, []string{"event", "response"}, order)
}

func TestSequencerEventAfterAllCommands(t *testing.T) {
	s := newSequencer()
	seq := s.nextRequestSequence()

	var order []string
	s.sequenceEvent(raft.PublishRequest{Session: 1, EventIndex: 2, PreviousIndex: 0}, func(raft.PublishRequest) {
		order = append(order, "event1")
	})
	s.sequenceEvent(raft.PublishRequest{Session: 1, EventIndex: 3, PreviousIndex: 2}, func(raft.PublishRequest) {
		order = append(order, "event2")
	})
	require.Empty(t, order, "events stay buffered until the outstanding response is known")

	s.sequenceResponse(seq, raft.CommandResponse{EventIndex: 2}, func(raft.CommandResponse) {
		order = append(order, "response")
	})

	require.Equal(t, []string{"event1", "response", "event2"}, order)
}

func TestSequencerMissingEventGap(t *testing.T) {
	s := &sequencer{
		requestSequence:  2,
		responseSequence: 1,
		eventIndex:       5,
		responses:        make(map[uint64]pendingResponse),
	}

	var order []string
	s.sequenceResponse(2, raft.CommandResponse{Index: 20, EventIndex: 10}, func(raft.CommandResponse) {
		order = append(order, "response")
	})
	require.Empty(t, order, "response waits until the gap is proven unreachable")

	s.sequenceEvent(raft.PublishRequest{Session: 1, EventIndex: 25, PreviousIndex: 5}, func(raft.PublishRequest) {
		order = append(order, "event")
	})

	require.Equal(t, []string{"response", "event"}, order)
	require.Equal(t, uint64(25), s.eventIndex)
	require.Equal(t, uint64(2), s.responseSequence)
}

func TestSequencerOutOfOrderResponsesStillFireInSequence(t *testing.T) {
	s := newSequencer()
	first := s.nextRequestSequence()
	second := s.nextRequestSequence()
	third := s.nextRequestSequence()

	var order []uint64
	s.sequenceResponse(third, raft.CommandResponse{Index: 3}, func(raft.CommandResponse) { order = append(order, 3) })
	s.sequenceResponse(first, raft.CommandResponse{Index: 1}, func(raft.CommandResponse) { order = append(order, 1) })
	require.Equal(t, []uint64{1}, order, "sequence 2 is still missing, so 3 cannot fire yet")

	s.sequenceResponse(second, raft.CommandResponse{Index: 2}, func(raft.CommandResponse) { order = append(order, 2) })

	require.Equal(t, []uint64{1, 2, 3}, order)
}
