// Package client implements the session-aware client side of the
// protocol: request sequencing merged with published events (§4.4),
// retrying command/query submission (§4.5), and the leader-locating
// connection and address selection that back them (§4.6, §4.7).
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	raft "github.com/vsuslov/copycat"
	"github.com/vsuslov/copycat/internal/logger"
)

// Option configures a Client constructed by New.
type Option func(*Client)

// WithLogger sets the logger used by the client's background
// keep-alive loop.
func WithLogger(l raft.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNoOpCommand supplies the payload submitted in place of a command
// this client's submitter gives up on, so the session's sequence space
// stays dense (§4.5). Omitting it means a command the client abandons
// simply leaves a permanent gap, stalling any later command on the
// same session.
func WithNoOpCommand(payload []byte) Option {
	return func(c *Client) { c.noOpCommand = payload }
}

// WithEventHandler registers the callback invoked, in order, for every
// event this client's session is published (§3, §4.4).
func WithEventHandler(handler func(raft.Event)) Option {
	return func(c *Client) { c.onEvent = handler }
}

// Client is one session's view of the cluster: it registers a session
// on Open, keeps it alive in the background, and exposes Submit/Query
// for replicated commands and linearizable or sequential reads.
type Client struct {
	id        string
	transport raft.Transport
	conn      *clientConnection
	seq       *sequencer
	sub       *submitter
	logger    raft.Logger

	noOpCommand []byte
	onEvent     func(raft.Event)

	mu        sync.Mutex
	sessionID uint64
	timeout   time.Duration

	// lastEventIndex is the event index of the last PublishRequest this
	// client accepted, compared against each new PublishRequest's
	// PreviousIndex to detect a gap (§4.3).
	lastEventIndex uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Client for the given cluster member list. Call Open
// before submitting any command or query.
func New(id string, transport raft.Transport, members []raft.Member, opts ...Option) *Client {
	c := &Client{
		id:        id,
		transport: transport,
		conn:      newClientConnection(transport, id, members),
		seq:       newSequencer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		if l, err := logger.NewLogger(); err == nil {
			c.logger = l
		} else {
			c.logger = logger.NoOpLogger{}
		}
	}
	return c
}

// Open registers a new session with the cluster and starts the
// background keep-alive loop that holds it open.
func (c *Client) Open(ctx context.Context) error {
	c.transport.RegisterPublishHandler(c.handlePublish)

	conn, err := c.conn.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to the cluster: %w", err)
	}
	resp, err := conn.transport.SendRegister(conn.address, raft.RegisterRequest{Client: c.id})
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	if resp.Status != raft.ErrNone {
		return fmt.Errorf("failed to register session: %s", resp.Status)
	}

	c.mu.Lock()
	c.sessionID = resp.Session
	c.timeout = time.Duration(resp.Timeout)
	c.mu.Unlock()

	c.conn.bindSession(resp.Session)
	c.conn.onLeaderHint(resp.Leader, resp.Members)

	c.sub = newSubmitter(c.conn, c.seq, resp.Session)
	c.sub.noOpCommand = c.noOpCommand
	c.sub.resetSession = c.sendResetKeepAlive

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.keepAliveLoop(loopCtx)

	return nil
}

// Close stops the keep-alive loop and explicitly unregisters the
// session, so the server reclaims it immediately rather than waiting
// out its timeout.
func (c *Client) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	conn, err := c.conn.connect(ctx)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	_, _ = conn.transport.SendUnregister(conn.address, raft.UnregisterRequest{Session: sessionID})
	return nil
}

// commandResult is the channel payload Submit waits on.
type commandResult struct {
	response raft.CommandResponse
	err      error
}

// Submit replicates command through the session opened by Open,
// retrying and resequencing as necessary, and blocks until its
// response is ready to be delivered in order (§4.4, §4.5).
func (c *Client) Submit(ctx context.Context, command []byte) (raft.CommandResponse, error) {
	ch := make(chan commandResult, 1)
	c.sub.submitCommand(ctx, command, func(resp raft.CommandResponse, err error) {
		ch <- commandResult{response: resp, err: err}
	})
	select {
	case r := <-ch:
		return r.response, r.err
	case <-ctx.Done():
		return raft.CommandResponse{}, ctx.Err()
	}
}

// queryResult is the channel payload Query waits on.
type queryResult struct {
	response raft.QueryResponse
	err      error
}

// Query runs a read-only operation at the requested consistency
// level (§4.3, §4.5).
func (c *Client) Query(ctx context.Context, query []byte, consistency raft.ConsistencyLevel) (raft.QueryResponse, error) {
	ch := make(chan queryResult, 1)
	c.sub.submitQuery(ctx, query, consistency, func(resp raft.QueryResponse, err error) {
		ch <- queryResult{response: resp, err: err}
	})
	select {
	case r := <-ch:
		return r.response, r.err
	case <-ctx.Done():
		return raft.QueryResponse{}, ctx.Err()
	}
}

// handlePublish is the transport's callback for server-pushed event
// batches. If the batch's PreviousIndex does not match the last event
// index this client has accepted, it has missed a batch (e.g. across a
// reconnect to a different server); rather than feed a torn stream
// into the sequencer, it sends a ResetRequest carrying the last event
// index it did accept, so the server's next batch names that index as
// its PreviousIndex (§4.3), and drops the batch; the missed events are
// not resent. Otherwise it feeds the batch through the sequencer so events
// interleave correctly with command responses before reaching onEvent.
func (c *Client) handlePublish(req *raft.PublishRequest) {
	c.mu.Lock()
	sessionID := c.sessionID
	if req.Session != sessionID {
		c.mu.Unlock()
		return
	}
	if req.PreviousIndex != c.lastEventIndex {
		resetIndex := c.lastEventIndex
		c.mu.Unlock()
		c.sendReset(sessionID, resetIndex)
		return
	}
	c.lastEventIndex = req.EventIndex
	c.mu.Unlock()

	c.seq.sequenceEvent(*req, func(r raft.PublishRequest) {
		if c.onEvent == nil {
			return
		}
		for _, ev := range r.Events {
			c.onEvent(ev)
		}
	})
}

// sendReset tells the server that index is the last event this session
// has accepted, run in its own goroutine so a slow or failed reconnect never
// blocks the transport's publish-delivery path.
func (c *Client) sendReset(sessionID, index uint64) {
	go func() {
		conn, err := c.conn.connect(context.Background())
		if err != nil {
			return
		}
		_, _ = conn.transport.SendReset(conn.address, raft.ResetRequest{Session: sessionID, Index: index})
	}()
}

func (c *Client) keepAliveLoop(ctx context.Context) {
	defer c.wg.Done()

	c.mu.Lock()
	interval := c.timeout / 2
	c.mu.Unlock()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendKeepAlive(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendKeepAlive(ctx context.Context) {
	conn, err := c.conn.connect(ctx)
	if err != nil {
		c.logger.Warnf("keep-alive failed to connect: error = %v", err)
		return
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	resp, err := conn.transport.SendKeepAlive(conn.address, raft.KeepAliveRequest{
		Session:         sessionID,
		CommandSequence: c.sub.lastAcknowledgedSequence(),
		EventIndex:      c.seq.eventIndex,
	})
	if err != nil {
		c.conn.reconnect()
		return
	}
	if isTransportFailure(resp.Status) {
		c.conn.reconnect()
		return
	}
	c.conn.onLeaderHint(resp.Leader, resp.Members)
}

// sendResetKeepAlive is the submitter's resetSession hook: it reports
// the leader-confirmed lastSequence back to the server as a keep-alive
// so the server's session forgets any sequence state past the gap
// point before the submitter's resubmissions arrive (§4.5).
func (c *Client) sendResetKeepAlive(ctx context.Context, lastSequence uint64) {
	conn, err := c.conn.connect(ctx)
	if err != nil {
		return
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	_, _ = conn.transport.SendKeepAlive(conn.address, raft.KeepAliveRequest{
		Session:         sessionID,
		CommandSequence: lastSequence,
		EventIndex:      c.seq.eventIndex,
	})
}
