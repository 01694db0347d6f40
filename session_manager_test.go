package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vsuslov/copycat/internal/logger"
)

// recordingStateMachine counts how many times Apply actually ran, so
// tests can distinguish a cache hit from a genuine re-application.
type recordingStateMachine struct {
	applies []uint64
	events  map[uint64][]Event
}

func (m *recordingStateMachine) Apply(op *Operation) *ApplyResult {
	m.applies = append(m.applies, op.Sequence)
	return &ApplyResult{
		Result: []byte("ok"),
		Events: m.events[op.Sequence],
	}
}
func (m *recordingStateMachine) Snapshot(SnapshotFile) error   { return nil }
func (m *recordingStateMachine) Restore(SnapshotFile) error    { return nil }
func (m *recordingStateMachine) NeedSnapshot(int) bool         { return false }

func newTestSessionManager(sm StateMachine) (*sessionManager, *[]struct {
	session       uint64
	previousIndex uint64
	eventIndex    uint64
	events        []Event
}) {
	var published []struct {
		session       uint64
		previousIndex uint64
		eventIndex    uint64
		events        []Event
	}
	mgr := newSessionManager(sm, logger.NoOpLogger{}, func(sessionID, previousIndex, eventIndex uint64, events []Event) {
		published = append(published, struct {
			session       uint64
			previousIndex uint64
			eventIndex    uint64
			events        []Event
		}{sessionID, previousIndex, eventIndex, events})
	})
	return mgr, &published
}

func TestSessionManagerAppliesInOrder(t *testing.T) {
	sm := &recordingStateMachine{}
	mgr, _ := newTestSessionManager(sm)
	now := time.Now()

	id := mgr.applyRegister(1, "client-1", time.Minute, now)

	outcome, err := mgr.applyCommand(2, &Operation{SessionID: id, Sequence: 1}, now)
	require.NoError(t, err)
	require.True(t, outcome.ready)
	require.Equal(t, []uint64{1}, sm.applies)
}

// TestSessionManagerCommandSequenceGap reproduces §8 scenario 6 from
// the server side: sequence 3 arrives before 2, so it is buffered and
// reported as a gap instead of being applied; once 2 arrives, both 2
// and 3 apply in order.
func TestSessionManagerCommandSequenceGap(t *testing.T) {
	sm := &recordingStateMachine{}
	mgr, _ := newTestSessionManager(sm)
	now := time.Now()
	id := mgr.applyRegister(1, "client-1", time.Minute, now)

	outcome, err := mgr.applyCommand(2, &Operation{SessionID: id, Sequence: 1}, now)
	require.NoError(t, err)
	require.True(t, outcome.ready)

	outcome, err = mgr.applyCommand(4, &Operation{SessionID: id, Sequence: 3}, now)
	require.NoError(t, err)
	require.False(t, outcome.ready, "sequence 3 arrives ahead of the expected next sequence (2) and must be buffered")
	require.Equal(t, uint64(1), outcome.lastSequence)
	require.Equal(t, []uint64{1}, sm.applies, "the buffered command must not reach the state machine yet")

	outcome, err = mgr.applyCommand(3, &Operation{SessionID: id, Sequence: 2}, now)
	require.NoError(t, err)
	require.True(t, outcome.ready)
	require.Equal(t, []uint64{1, 2, 3}, sm.applies, "filling the gap must drain the buffered sequence 3 immediately after 2")
}

func TestSessionManagerCachedResponseIsNotReapplied(t *testing.T) {
	sm := &recordingStateMachine{}
	mgr, _ := newTestSessionManager(sm)
	now := time.Now()
	id := mgr.applyRegister(1, "client-1", time.Minute, now)

	_, err := mgr.applyCommand(2, &Operation{SessionID: id, Sequence: 1}, now)
	require.NoError(t, err)

	outcome, err := mgr.applyCommand(2, &Operation{SessionID: id, Sequence: 1}, now)
	require.NoError(t, err)
	require.True(t, outcome.ready)
	require.Equal(t, []uint64{1}, sm.applies, "a retried sequence already cached must not invoke Apply again")
}

func TestSessionManagerPublishesEventsWithGapTracking(t *testing.T) {
	sm := &recordingStateMachine{events: map[uint64][]Event{
		1: {{Name: "created"}},
	}}
	mgr, published := newTestSessionManager(sm)
	now := time.Now()
	id := mgr.applyRegister(1, "client-1", time.Minute, now)

	_, err := mgr.applyCommand(5, &Operation{SessionID: id, Sequence: 1}, now)
	require.NoError(t, err)

	require.Len(t, *published, 1)
	require.Equal(t, id, (*published)[0].session)
	require.Equal(t, uint64(0), (*published)[0].previousIndex)
	require.Equal(t, uint64(5), (*published)[0].eventIndex)
}

func TestSessionManagerUnknownSessionRejected(t *testing.T) {
	sm := &recordingStateMachine{}
	mgr, _ := newTestSessionManager(sm)

	_, err := mgr.applyCommand(1, &Operation{SessionID: 999, Sequence: 1}, time.Now())
	require.Error(t, err)
}

func TestSessionManagerExpireSessions(t *testing.T) {
	sm := &recordingStateMachine{}
	mgr, _ := newTestSessionManager(sm)
	start := time.Now()
	id := mgr.applyRegister(1, "client-1", 10*time.Millisecond, start)

	expired := mgr.expireSessions(start)
	require.Empty(t, expired)

	expired = mgr.expireSessions(start.Add(time.Second))
	require.Equal(t, []uint64{id}, expired)
}
