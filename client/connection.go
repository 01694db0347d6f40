package client

import (
	"context"
	"fmt"
	"sync"

	raft "github.com/vsuslov/copycat"
	"golang.org/x/sync/singleflight"
)

// connection is an established route to one cluster member: the
// shared Transport plus the address it was reached at.
type connection struct {
	transport raft.Transport
	address   string
}

// clientConnection is the leader locator described in §4.6: it holds
// the single active connection to the cluster, if any, and coalesces
// concurrent connect attempts onto one in-flight dial via a shared
// singleflight.Group, so a burst of requests arriving while the
// cluster is between leaders does not open one connection attempt per
// request.
type clientConnection struct {
	transport raft.Transport
	client    string

	mu        sync.Mutex
	selector  *addressSelector
	active    *connection
	sessionID uint64

	group singleflight.Group
}

func newClientConnection(transport raft.Transport, client string, members []raft.Member) *clientConnection {
	return &clientConnection{
		transport: transport,
		client:    client,
		selector:  newAddressSelector(members),
	}
}

// bindSession tells a later connect() to announce this session to
// whichever server it connects to ("if a sessionId > 0 is present,
// send a ConnectRequest binding the session to this server", §4.6).
func (c *clientConnection) bindSession(sessionID uint64) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// connect returns the active connection, establishing one if
// necessary. Concurrent callers during an in-progress connect all
// observe the result of the single underlying dial.
func (c *clientConnection) connect(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	if c.active != nil {
		conn := c.active
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do("connect", func() (interface{}, error) {
		return c.dial(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*connection), nil
}

// dial resets the selector and iterates candidate addresses in turn,
// acquiring a transport connection and, when a session is bound,
// confirming it with a ConnectRequest before committing to that
// address. Exhausting every candidate without success reports a
// failure rather than retrying forever; the caller decides whether to
// try again later.
func (c *clientConnection) dial(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	c.selector.reset("", nil)
	selector := c.selector
	sessionID := c.sessionID
	c.mu.Unlock()

	var lastErr error
	for selector.hasNext() {
		address, ok := selector.next()
		if !ok {
			break
		}
		if err := c.transport.Connect(address); err != nil {
			lastErr = err
			continue
		}

		if sessionID == 0 {
			c.mu.Lock()
			c.active = &connection{transport: c.transport, address: address}
			conn := c.active
			c.mu.Unlock()
			return conn, nil
		}

		resp, err := c.transport.SendConnect(address, raft.ConnectRequest{
			Client:     c.client,
			Session:    sessionID,
			Connection: c.transport.Address(),
		})
		if err != nil {
			lastErr = err
			_ = c.transport.Close(address)
			continue
		}
		if resp.Status != raft.ErrNone {
			lastErr = fmt.Errorf("connect rejected: %s", resp.Status)
			_ = c.transport.Close(address)
			continue
		}

		c.mu.Lock()
		c.selector.reset(resp.Leader, resp.Members)
		c.active = &connection{transport: c.transport, address: address}
		conn := c.active
		c.mu.Unlock()
		return conn, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("failed to connect to the cluster")
	}
	return nil, lastErr
}

// reconnect discards the active connection so the next connect() call
// re-runs address selection from the top.
func (c *clientConnection) reconnect() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}

// onLeaderHint folds a fresher leader/membership view learned from a
// response into the selector, without tearing down the active
// connection.
func (c *clientConnection) onLeaderHint(leader string, members []raft.Member) {
	if leader == "" && members == nil {
		return
	}
	c.mu.Lock()
	c.selector.reset(leader, members)
	c.mu.Unlock()
}

// isTransportFailure reports whether status should be treated as a
// network-level failure requiring reconnect-and-retry rather than a
// response to be delivered to the caller, per §4.6's explicit list of
// cluster-level errors that are responses, not failures.
func isTransportFailure(status raft.ErrorKind) bool {
	switch status {
	case raft.ErrNone,
		raft.ErrCommandError,
		raft.ErrQueryError,
		raft.ErrApplicationError,
		raft.ErrUnknownClientError,
		raft.ErrUnknownSessionError,
		raft.ErrUnknownStateMachineError,
		raft.ErrInternalError:
		return false
	default:
		return true
	}
}
