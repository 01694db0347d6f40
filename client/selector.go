package client

import raft "github.com/vsuslov/copycat"

// selectorState is where an AddressSelector sits in its iteration over
// the current candidate address list (§4.7).
type selectorState uint32

const (
	// selectorReset means next() has not been called since the last
	// reset; the leader hint, if any, is yielded first.
	selectorReset selectorState = iota
	selectorIterate
	selectorComplete
)

// addressSelector walks an ordered list of candidate addresses,
// trying the known leader first, so ClientConnection.connect does not
// need its own notion of iteration order. It holds no connection of
// its own - only the bookkeeping of which addresses remain untried.
type addressSelector struct {
	leader  string
	members []raft.Member

	state     selectorState
	remaining []string
}

func newAddressSelector(members []raft.Member) *addressSelector {
	s := &addressSelector{}
	s.reset("", members)
	return s
}

// reset updates the leader hint and member list and returns the
// selector to the RESET state, ready to iterate from the top again.
// Passing an empty leader and nil members re-shuffles from the
// selector's current hint, per §4.7 ("reset() alone re-shuffles from
// the current hint").
func (s *addressSelector) reset(leader string, members []raft.Member) {
	if leader != "" {
		s.leader = leader
	}
	if members != nil {
		s.members = members
	}
	s.state = selectorReset
	s.remaining = nil
}

// hasNext reports whether an untried address remains.
func (s *addressSelector) hasNext() bool {
	if s.state == selectorComplete {
		return false
	}
	if s.state == selectorReset {
		return s.leader != "" || len(s.members) > 0
	}
	return len(s.remaining) > 0
}

// next yields the leader hint first, if any, followed by every other
// known member's address exactly once, then completes.
func (s *addressSelector) next() (string, bool) {
	if s.state == selectorReset {
		s.state = selectorIterate
		s.remaining = make([]string, 0, len(s.members))
		for _, m := range s.members {
			if m.Address != s.leader {
				s.remaining = append(s.remaining, m.Address)
			}
		}
		if s.leader != "" {
			return s.leader, true
		}
	}
	if s.state != selectorIterate || len(s.remaining) == 0 {
		s.state = selectorComplete
		return "", false
	}
	address := s.remaining[0]
	s.remaining = s.remaining[1:]
	if len(s.remaining) == 0 {
		s.state = selectorComplete
	}
	return address, true
}
