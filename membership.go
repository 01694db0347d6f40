package raft

// MemberType classifies a cluster member's participation level. Active
// members vote and count toward quorum; Passive members receive
// replicated entries so they can catch up before being promoted but
// never vote; Reserve members are kept available as standby capacity
// and do not receive entries until promoted to Passive; Inactive
// members have been removed from the configuration but may still
// appear transiently while the removal itself is being replicated.
type MemberType uint32

const (
	Active MemberType = iota
	Passive
	Reserve
	Inactive
)

// String returns a human-readable member type name.
func (t MemberType) String() string {
	switch t {
	case Active:
		return "active"
	case Passive:
		return "passive"
	case Reserve:
		return "reserve"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Member describes one server's identity and role within the cluster
// configuration.
type Member struct {
	ID      string
	Address string
	Type    MemberType
}

// Configuration is the full membership list in effect at a given log
// index. It is itself replicated as a Configuration log entry so that
// every server applies membership changes at the same point in the
// log as every other server.
type Configuration struct {
	Index   uint64
	Members []Member
}

// clone returns a deep copy of the configuration so callers may mutate
// the result without affecting the stored configuration.
func (c Configuration) clone() Configuration {
	members := make([]Member, len(c.Members))
	copy(members, c.Members)
	return Configuration{Index: c.Index, Members: members}
}

// voters returns the subset of members that count toward quorum, i.e.
// the Active members. Passive and Reserve members receive replicated
// state but never vote and are never counted when determining whether
// an entry has been committed (§4.2, §4.7).
func (c Configuration) voters() []Member {
	voters := make([]Member, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Type == Active {
			voters = append(voters, m)
		}
	}
	return voters
}

// member looks up a member by ID, reporting whether it was found.
func (c Configuration) member(id string) (Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// withMember returns a copy of the configuration with member upserted
// by ID.
func (c Configuration) withMember(member Member) Configuration {
	next := c.clone()
	for i, m := range next.Members {
		if m.ID == member.ID {
			next.Members[i] = member
			return next
		}
	}
	next.Members = append(next.Members, member)
	return next
}

// withoutMember returns a copy of the configuration with the named
// member removed.
func (c Configuration) withoutMember(id string) Configuration {
	next := c.clone()
	filtered := next.Members[:0]
	for _, m := range next.Members {
		if m.ID != id {
			filtered = append(filtered, m)
		}
	}
	next.Members = filtered
	return next
}

// caughtUp reports whether a Passive member replicating up through
// matchIndex is close enough to the leader's commitIndex to be
// promoted to Active. The spec leaves the exact catch-up gate
// unspecified beyond "caught up within a bounded number of entries";
// promotionLag entries is that bound (§4.2 Open Questions).
const promotionLag = 10

func caughtUp(matchIndex, commitIndex uint64) bool {
	if commitIndex < promotionLag {
		return true
	}
	return matchIndex >= commitIndex-promotionLag
}
