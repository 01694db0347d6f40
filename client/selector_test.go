package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	raft "github.com/vsuslov/copycat"
)

func members(addresses ...string) []raft.Member {
	out := make([]raft.Member, len(addresses))
	for i, addr := range addresses {
		out[i] = raft.Member{ID: addr, Address: addr, Type: raft.Active}
	}
	return out
}

func TestAddressSelectorYieldsLeaderFirst(t *testing.T) {
	s := newAddressSelector(members("a", "b", "c"))
	s.reset("b", nil)

	require.True(t, s.hasNext())
	addr, ok := s.next()
	require.True(t, ok)
	require.Equal(t, "b", addr)

	seen := map[string]bool{}
	for s.hasNext() {
		addr, ok := s.next()
		require.True(t, ok)
		seen[addr] = true
	}
	require.Equal(t, map[string]bool{"a": true, "c": true}, seen)
	require.False(t, s.hasNext())

	_, ok = s.next()
	require.False(t, ok)
}

func TestAddressSelectorNoLeaderHint(t *testing.T) {
	s := newAddressSelector(members("a", "b"))

	var got []string
	for s.hasNext() {
		addr, ok := s.next()
		require.True(t, ok)
		got = append(got, addr)
	}
	require.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestAddressSelectorResetAloneReshufflesFromCurrentHint(t *testing.T) {
	s := newAddressSelector(members("a", "b", "c"))
	s.reset("b", nil)
	addr, _ := s.next()
	require.Equal(t, "b", addr)

	// reset() with no leader/members just restarts iteration from the
	// hint already on file.
	s.reset("", nil)
	addr, ok := s.next()
	require.True(t, ok)
	require.Equal(t, "b", addr)
}

func TestAddressSelectorResetUpdatesMembership(t *testing.T) {
	s := newAddressSelector(members("a", "b"))
	s.reset("c", members("c", "d"))

	addr, _ := s.next()
	require.Equal(t, "c", addr)

	var rest []string
	for s.hasNext() {
		a, ok := s.next()
		require.True(t, ok)
		rest = append(rest, a)
	}
	require.Equal(t, []string{"d"}, rest)
}
