package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raft "github.com/vsuslov/copycat"
)

func TestClientOpenRegistersAndStartsKeepAlive(t *testing.T) {
	ft := newFakeTransport()
	ft.registerFunc = func(address string, req raft.RegisterRequest) (raft.RegisterResponse, error) {
		require.Equal(t, "client-1", req.Client)
		return raft.RegisterResponse{Status: raft.ErrNone, Session: 9, Leader: "a", Members: members("a"), Timeout: int64(50 * time.Millisecond)}, nil
	}

	c := New("client-1", ft, members("a"))
	require.NoError(t, c.Open(context.Background()))
	require.Equal(t, uint64(9), c.sessionID)

	require.NoError(t, c.Close(context.Background()))
}

func TestClientSubmitReturnsResponse(t *testing.T) {
	ft := newFakeTransport()
	ft.registerFunc = func(address string, req raft.RegisterRequest) (raft.RegisterResponse, error) {
		return raft.RegisterResponse{Status: raft.ErrNone, Session: 1, Members: members("a")}, nil
	}
	ft.commandFunc = func(address string, req raft.CommandRequest) (raft.CommandResponse, error) {
		return raft.CommandResponse{Status: raft.ErrNone, Index: 5, Result: []byte("ok")}, nil
	}

	c := New("client-1", ft, members("a"))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	resp, err := c.Submit(context.Background(), []byte("do-it"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp.Result)
}

func TestClientDeliversEventsThroughHandlePublish(t *testing.T) {
	ft := newFakeTransport()
	ft.registerFunc = func(address string, req raft.RegisterRequest) (raft.RegisterResponse, error) {
		return raft.RegisterResponse{Status: raft.ErrNone, Session: 3, Members: members("a")}, nil
	}

	received := make(chan raft.Event, 1)
	c := New("client-1", ft, members("a"), WithEventHandler(func(ev raft.Event) {
		received <- ev
	}))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	require.NoError(t, ft.PublishEvents(3, raft.PublishRequest{
		Session:       3,
		EventIndex:    1,
		PreviousIndex: 0,
		Events:        []raft.Event{{Name: "created"}},
	}))

	select {
	case ev := <-received:
		require.Equal(t, "created", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("event was never delivered to the handler")
	}
}

func TestClientIgnoresEventsForOtherSessions(t *testing.T) {
	ft := newFakeTransport()
	ft.registerFunc = func(address string, req raft.RegisterRequest) (raft.RegisterResponse, error) {
		return raft.RegisterResponse{Status: raft.ErrNone, Session: 3, Members: members("a")}, nil
	}

	received := make(chan raft.Event, 1)
	c := New("client-1", ft, members("a"), WithEventHandler(func(ev raft.Event) {
		received <- ev
	}))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	require.NoError(t, ft.PublishEvents(99, raft.PublishRequest{
		Session:    99,
		EventIndex: 1,
		Events:     []raft.Event{{Name: "not-ours"}},
	}))

	select {
	case <-received:
		t.Fatal("event for a different session should never reach the handler")
	case <-time.After(100 * time.Millisecond):
	}
}
