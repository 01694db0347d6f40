package grpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raft "github.com/vsuslov/copycat"
)

func TestTransportRoundTripsRequestVote(t *testing.T) {
	server := New("localhost:17631")
	server.RegisterRequestVoteHandler(func(req *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
		resp.Term = req.Term
		resp.VoteGranted = req.CandidateID == "A"
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()
	defer server.Shutdown()
	time.Sleep(50 * time.Millisecond)

	client := New("localhost:0")
	require.NoError(t, client.Connect("localhost:17631"))
	defer client.Close("localhost:17631")

	resp, err := client.SendRequestVote("localhost:17631", raft.RequestVoteRequest{
		Term:        4,
		CandidateID: "A",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), resp.Term)
	require.True(t, resp.VoteGranted)
}
