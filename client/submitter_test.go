package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raft "github.com/vsuslov/copycat"
)

// TestSubmitterCommandSequenceGap reproduces §8 scenario 6: the server
// sees sequence 1 and 3 (2 is lost in transit), applies 1, buffers 3,
// and reports a COMMAND_ERROR naming the last sequence it actually
// applied. The submitter must resubmit everything past that point and
// deliver all three responses to the caller in order.
func TestSubmitterCommandSequenceGap(t *testing.T) {
	ft := newFakeTransport()
	conn := newClientConnection(ft, "client-1", members("a"))
	seq := newSequencer()
	sub := newSubmitter(conn, seq, 1)

	var resetCalls []uint64
	var mu sync.Mutex
	sub.resetSession = func(ctx context.Context, lastSequence uint64) {
		mu.Lock()
		resetCalls = append(resetCalls, lastSequence)
		mu.Unlock()
	}

	applied := map[uint64]bool{}
	ft.commandFunc = func(address string, req raft.CommandRequest) (raft.CommandResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		switch req.Sequence {
		case 1:
			applied[1] = true
			return raft.CommandResponse{Status: raft.ErrNone, Index: 10}, nil
		case 2:
			applied[2] = true
			return raft.CommandResponse{Status: raft.ErrNone, Index: 11}, nil
		case 3:
			if !applied[2] {
				return raft.CommandResponse{Status: raft.ErrCommandError, LastSequence: 1}, nil
			}
			applied[3] = true
			return raft.CommandResponse{Status: raft.ErrNone, Index: 12}, nil
		}
		t.Fatalf("unexpected sequence %d", req.Sequence)
		return raft.CommandResponse{}, nil
	}

	var order []uint64
	record := func(resp raft.CommandResponse, err error) {
		require.NoError(t, err)
		mu.Lock()
		order = append(order, resp.Index)
		mu.Unlock()
	}

	// Sequence 1 round-trips normally.
	sub.submitCommand(context.Background(), []byte("one"), record)

	// Sequence 2 never reaches the server (lost in transit): it is
	// still outstanding client-side, so it is seeded directly into the
	// submitter's pending table the way submitCommand would have left
	// it after a dispatch that is still awaiting a reply.
	pc2 := &pendingCommand{
		sequence:        2,
		requestSequence: seq.nextRequestSequence(),
		command:         []byte("two"),
		callback:        record,
	}
	sub.mu.Lock()
	sub.commandRequestSequence = 2
	sub.pending[2] = pc2
	sub.mu.Unlock()

	// Sequence 3 does reach the server, finds the gap, and its
	// COMMAND_ERROR response drives the resubmission of everything
	// past the leader's reported lastSequence - both 2 and 3 itself.
	sub.submitCommand(context.Background(), []byte("three"), record)

	require.Equal(t, []uint64{10, 11, 12}, order, "responses must be delivered in order even though sequence 3 arrived before 2 was resubmitted")
	require.NotEmpty(t, resetCalls, "a gap report must trigger the reset-indexes keep-alive hook")
}

func TestSubmitterRetriesNetworkFailureWithBackoff(t *testing.T) {
	ft := newFakeTransport()
	attempts := 0
	var mu sync.Mutex
	ft.commandFunc = func(address string, req raft.CommandRequest) (raft.CommandResponse, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return raft.CommandResponse{}, errTransport
		}
		return raft.CommandResponse{Status: raft.ErrNone, Index: 7}, nil
	}
	conn := newClientConnection(ft, "client-1", members("a"))
	sub := newSubmitter(conn, newSequencer(), 1)

	done := make(chan raft.CommandResponse, 1)
	sub.submitCommand(context.Background(), []byte("x"), func(resp raft.CommandResponse, err error) {
		require.NoError(t, err)
		done <- resp
	})

	select {
	case resp := <-done:
		require.Equal(t, uint64(7), resp.Index)
	case <-time.After(5 * time.Second):
		t.Fatal("submitCommand never completed after a retry")
	}
	require.GreaterOrEqual(t, attempts, 2)
}

func TestSubmitterAbandonDensifiesWithNoOp(t *testing.T) {
	ft := newFakeTransport()
	ft.commandFunc = func(address string, req raft.CommandRequest) (raft.CommandResponse, error) {
		return raft.CommandResponse{}, errTransport
	}
	conn := newClientConnection(ft, "client-1", members("a"))
	sub := newSubmitter(conn, newSequencer(), 1)
	sub.noOpCommand = []byte("noop")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sub.submitCommand(ctx, []byte("x"), func(resp raft.CommandResponse, err error) {
		done <- err
	})
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("abandon never invoked the callback")
	}

	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		for _, c := range ft.commandCalls {
			if string(c.Command) == "noop" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "abandoning a command should submit a no-op under the same sequence")
}

var errTransport = &transportError{"network unreachable"}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }
