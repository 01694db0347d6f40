package raft

import (
	"time"

	"github.com/vsuslov/copycat/internal/util"
)

// appender tracks per-peer replication progress, generalizing the
// teacher's peer struct to the three roles a non-leader member can
// hold (§4.2): Active members are counted toward quorum and have
// their matchIndex advance commitIndex; Passive members receive the
// same AppendEntries stream so they can catch up before being
// promoted, but never count toward quorum; Reserve members receive
// nothing until promoted to Passive.
type appender struct {
	member Member

	// nextIndex is the next log index that should be sent to this
	// member.
	nextIndex uint64

	// matchIndex is the highest log index known to be replicated on
	// this member.
	matchIndex uint64

	// snapshot is the snapshot file cursor currently being streamed to
	// this member via InstallSnapshot, or nil if none is in progress.
	snapshot SnapshotFile

	// bisectLow and bisectHigh bound a bisection search for nextIndex
	// when WithNextIndexBisection is enabled, used in place of jumping
	// straight to the follower's hinted index on AppendEntries rejection.
	bisectLow, bisectHigh uint64

	// lastAckTime is the last time this member successfully
	// acknowledged an AppendEntries, used to detect when the leader
	// has lost heartbeat quorum (§4.1, §4.2).
	lastAckTime time.Time
}

func newAppender(member Member, nextIndex uint64) *appender {
	return &appender{member: member, nextIndex: nextIndex}
}

// active reports whether this appender counts toward quorum.
func (a *appender) active() bool {
	return a.member.Type == Active
}

// receivesEntries reports whether this member should be sent
// AppendEntries at all. Reserve members are deliberately excluded
// until promoted, so they add standby capacity without increasing
// steady-state replication fanout (§4.2).
func (a *appender) receivesEntries() bool {
	return a.member.Type == Active || a.member.Type == Passive
}

// onRejected updates nextIndex after a failed AppendEntries, depending
// on options.nextIndexBisection. Without bisection it moves nextIndex
// straight to the follower's hinted index (never below 1). With
// bisection it sets nextIndex to the midpoint of bisectLow and the
// previous nextIndex (never below 1); bisectLow is the minimum of its
// reset value 0 and the hint, so it stays 0 and the hint does not
// narrow the search.
func (a *appender) onRejected(hint uint64, bisection bool) {
	if !bisection {
		a.nextIndex = util.Max(hint, 1)
		return
	}
	if a.bisectHigh == 0 || a.bisectHigh > a.nextIndex {
		a.bisectHigh = a.nextIndex
	}
	a.bisectLow = util.Min(a.bisectLow, hint)
	mid := a.bisectLow + (a.bisectHigh-a.bisectLow)/2
	if mid == 0 {
		mid = 1
	}
	a.nextIndex = mid
}

// onAccepted advances matchIndex and nextIndex after a successful
// AppendEntries that replicated through lastIndex, and resets any
// bisection search in progress.
func (a *appender) onAccepted(lastIndex uint64) {
	if lastIndex > a.matchIndex {
		a.matchIndex = lastIndex
	}
	if lastIndex+1 > a.nextIndex {
		a.nextIndex = lastIndex + 1
	}
	a.bisectLow, a.bisectHigh = 0, 0
}

// readyForPromotion reports whether a Passive appender has replicated
// closely enough to commitIndex to become Active (§4.2).
func (a *appender) readyForPromotion(commitIndex uint64) bool {
	return a.member.Type == Passive && caughtUp(a.matchIndex, commitIndex)
}
