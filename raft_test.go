package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vsuslov/copycat/internal/logger"
)

// newTestRaft builds a *Raft with real file-backed collaborators rooted
// at t.TempDir(), opened and replayed the way Start would, but without
// launching any of the background loops - so RPC handlers can be
// exercised directly and deterministically.
func newTestRaft(t *testing.T, id string, members []Member, opts ...Option) *Raft {
	t.Helper()
	allOpts := append([]Option{WithLogger(logger.NoOpLogger{})}, opts...)
	r, err := NewRaft(id, members, &recordingStateMachine{}, t.TempDir(), allOpts...)
	require.NoError(t, err)

	require.NoError(t, r.log.Open())
	require.NoError(t, r.log.Replay())
	require.NoError(t, r.stateStorage.Open())
	require.NoError(t, r.stateStorage.Replay())
	require.NoError(t, r.snapshotStorage.Open())
	require.NoError(t, r.snapshotStorage.Replay())

	r.role = Follower
	r.lastContact = time.Now()
	return r
}

func threeNodeMembers() []Member {
	return []Member{
		{ID: "A", Address: "A", Type: Active},
		{ID: "B", Address: "B", Type: Active},
		{ID: "C", Address: "C", Type: Active},
	}
}

func TestHandlePollRejectsWithRecentLeaderContact(t *testing.T) {
	b := newTestRaft(t, "B", threeNodeMembers())
	b.currentTerm = 5
	b.lastContact = time.Now() // B just heard from its leader.

	req := &PollRequest{Term: 5, CandidateID: "A", LogIndex: 0, LogTerm: 0}
	resp := &PollResponse{}
	require.NoError(t, b.handlePoll(req, resp))

	require.False(t, resp.Accepted, "a server with a live leader must not grant a pre-vote")
	require.Equal(t, uint64(5), b.currentTerm, "a rejected pre-vote must never change the responder's term")
}

func TestHandlePollAcceptsAfterElectionTimeoutElapsed(t *testing.T) {
	b := newTestRaft(t, "B", threeNodeMembers(), WithElectionTimeout(100*time.Millisecond))
	b.currentTerm = 5
	b.lastContact = time.Now().Add(-time.Second)

	req := &PollRequest{Term: 5, CandidateID: "A", LogIndex: 0, LogTerm: 0}
	resp := &PollResponse{}
	require.NoError(t, b.handlePoll(req, resp))

	require.True(t, resp.Accepted)
	require.Equal(t, uint64(5), b.currentTerm, "a pre-vote response never bumps the responder's term")
}

// TestPreVotePreventsDisruption reproduces §8 scenario 5: a server
// partitioned from a cluster that has since elected a leader must not
// bump its own term just because its election timer fires - the
// pre-vote round is rejected by the still-live majority, and only once
// the partition heals and the server observes the real leader's term
// through an actual RequestVote/AppendEntries does it adopt that term,
// without ever incrementing past it on its own.
func TestPreVotePreventsDisruption(t *testing.T) {
	members := threeNodeMembers()
	a := newTestRaft(t, "A", members)
	b := newTestRaft(t, "B", members)
	c := newTestRaft(t, "C", members)

	const leaderTerm = 7
	for _, n := range []*Raft{b, c} {
		n.currentTerm = leaderTerm
		n.leaderID = "B"
		n.lastContact = time.Now()
	}

	// A's own term is stale (it never saw the election that produced
	// leaderTerm) and its election timer has fired, so it polls at its
	// own term without incrementing.
	a.currentTerm = leaderTerm - 1
	pollReq := &PollRequest{Term: a.currentTerm, CandidateID: "A", LogIndex: 0, LogTerm: 0}

	for _, n := range []*Raft{b, c} {
		resp := &PollResponse{}
		require.NoError(t, n.handlePoll(pollReq, resp))
		require.False(t, resp.Accepted, "a live majority must reject a stale pre-vote")
	}
	require.Equal(t, uint64(leaderTerm-1), a.currentTerm, "a rejected pre-vote must never increment the poller's own term")

	// The partition heals: A observes B's real term via a RequestVote
	// carrying it (standing in for any RPC that reveals the current
	// term) and becomes a follower at exactly that term - not beyond it.
	voteReq := &RequestVoteRequest{Term: leaderTerm, CandidateID: "B", LastLogIndex: 0, LastLogTerm: 0}
	voteResp := &RequestVoteResponse{}
	require.NoError(t, a.handleRequestVote(voteReq, voteResp))

	require.Equal(t, uint64(leaderTerm), a.currentTerm)
	require.Equal(t, Follower, a.role)
}

func TestHandleRequestVoteGrantedOnceAndWithheldOnSecondCandidate(t *testing.T) {
	b := newTestRaft(t, "B", threeNodeMembers())
	b.currentTerm = 3

	first := &RequestVoteRequest{Term: 3, CandidateID: "A", LastLogIndex: 0, LastLogTerm: 0}
	resp1 := &RequestVoteResponse{}
	require.NoError(t, b.handleRequestVote(first, resp1))
	require.True(t, resp1.VoteGranted)
	require.Equal(t, "A", b.votedFor)

	second := &RequestVoteRequest{Term: 3, CandidateID: "C", LastLogIndex: 0, LastLogTerm: 0}
	resp2 := &RequestVoteResponse{}
	require.NoError(t, b.handleRequestVote(second, resp2))
	require.False(t, resp2.VoteGranted, "a server must not vote twice in the same term for a different candidate")
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	b := newTestRaft(t, "B", threeNodeMembers())
	b.currentTerm = 9

	req := &RequestVoteRequest{Term: 4, CandidateID: "A", LastLogIndex: 0, LastLogTerm: 0}
	resp := &RequestVoteResponse{}
	require.NoError(t, b.handleRequestVote(req, resp))

	require.False(t, resp.VoteGranted)
	require.Equal(t, uint64(9), resp.Term)
	require.Equal(t, uint64(9), b.currentTerm)
}

func TestBecomeCandidateIncrementsTermAndVotesForSelf(t *testing.T) {
	a := newTestRaft(t, "A", threeNodeMembers())
	a.currentTerm = 2

	a.becomeCandidate()

	require.Equal(t, Candidate, a.role)
	require.Equal(t, uint64(3), a.currentTerm)
	require.Equal(t, "A", a.votedFor)
}

func TestUpdateHeartbeatQuorumAdvancesOnlyOnceMajorityAcked(t *testing.T) {
	a := newTestRaft(t, "A", threeNodeMembers())
	// Poked directly rather than via becomeLeader, which would spawn
	// background AppendEntries senders racing against this test's own
	// appender mutations below.
	a.role = Leader
	a.leaderID = "A"

	stale := time.Now().Add(-time.Hour)
	a.lastHeartbeatQuorum = stale

	// No peer has acked yet: self alone is only 1 of the 3 voters
	// needed for a quorumSize of 2, so nothing advances.
	a.updateHeartbeatQuorum()
	require.Equal(t, stale, a.lastHeartbeatQuorum)

	// A single peer acking already reaches quorum (self + B = 2 of 3),
	// so lastHeartbeatQuorum must jump forward to that ack time.
	a.appenders["B"].lastAckTime = time.Now()
	a.updateHeartbeatQuorum()
	require.True(t, a.lastHeartbeatQuorum.After(stale), "one peer ack plus self must already satisfy a 3-node quorum")
}

// TestHeartbeatLoopStepsDownAfterQuorumTimeout reproduces spec §4.1/§4.2:
// a leader that cannot reach a heartbeat quorum within electionTimeout
// steps down to Follower even though it never observed a higher term.
func TestHeartbeatLoopStepsDownAfterQuorumTimeout(t *testing.T) {
	a := newTestRaft(t, "A", threeNodeMembers(), WithElectionTimeout(100*time.Millisecond))
	a.role = Leader
	a.leaderID = "A"
	a.lastHeartbeatQuorum = time.Now().Add(-time.Second)

	a.wg.Add(1)
	go a.heartbeatLoop()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.role == Follower
	}, time.Second, 10*time.Millisecond)

	a.mu.Lock()
	a.role = Shutdown
	a.mu.Unlock()
	a.wg.Wait()
}

func TestBecomeFollowerAdoptsTermAndClearsVote(t *testing.T) {
	a := newTestRaft(t, "A", threeNodeMembers())
	a.currentTerm = 2
	a.votedFor = "A"
	a.role = Candidate

	a.becomeFollower("B", 6)

	require.Equal(t, Follower, a.role)
	require.Equal(t, uint64(6), a.currentTerm)
	require.Equal(t, "B", a.leaderID)
	require.Equal(t, "", a.votedFor)
}

// TestRemoveMemberAppendsShrunkConfiguration exercises the leader-only
// decommissioning path: removing "B" from a two-member cluster must
// both append a committable Configuration entry to the log and update
// the in-memory configuration and appender set immediately, the same
// way promoteMember's growth path does. Removing the only other member
// leaves the appender set empty, so applyConfigurationAppenders's
// rebuilt map has nothing left for sendAppendEntriesToMembers to
// dispatch to.
func TestRemoveMemberAppendsShrunkConfiguration(t *testing.T) {
	members := []Member{
		{ID: "A", Address: "A", Type: Active},
		{ID: "B", Address: "B", Type: Active},
	}
	a := newTestRaft(t, "A", members)
	a.role = Leader
	a.currentTerm = 1

	status := a.RemoveMember("B")
	require.Equal(t, ErrNone, status)

	require.Len(t, a.configuration.Members, 1)
	require.Equal(t, "A", a.configuration.Members[0].ID)
	require.Empty(t, a.appenders, "removed member must no longer have an appender")

	entry, err := a.log.GetEntry(a.log.NextIndex() - 1)
	require.NoError(t, err)
	require.Equal(t, EntryConfiguration, entry.EntryType)

	decoded, err := decodeConfiguration(entry.Data)
	require.NoError(t, err)
	require.Len(t, decoded.Members, 1)
	require.Equal(t, "A", decoded.Members[0].ID)
}

// TestRemoveMemberRejectsNonLeaderByRole confirms RemoveMember
// classifies its rejection the same way every other leader-only
// handler does via leaderRejectionError: a Follower simply isn't the
// right server to ask (ErrNoLeader), while a Reserve member is
// reporting on its own role, not on cluster leadership
// (ErrIllegalMemberState).
func TestRemoveMemberRejectsNonLeaderByRole(t *testing.T) {
	members := threeNodeMembers()

	follower := newTestRaft(t, "A", members)
	follower.role = Follower
	require.Equal(t, ErrNoLeader, follower.RemoveMember("B"))

	reserve := newTestRaft(t, "A", members)
	reserve.role = Reserve
	require.Equal(t, ErrIllegalMemberState, reserve.RemoveMember("B"))
}
