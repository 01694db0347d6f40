// Package grpc implements raft.Transport over a real gRPC server and
// client connections. No .proto file is compiled for this package: the
// wire layer is not part of what this module replicates (byte-level
// serialization of request/response types is out of scope), so instead
// of fabricating generated code the envelope is a single pre-built
// protobuf message - wrapperspb.BytesValue - carrying a gob-encoded
// copy of the plain Go structs already defined on raft.Transport. That
// keeps both google.golang.org/grpc and google.golang.org/protobuf
// genuinely exercised without hand-written stand-ins for protoc
// output.
package grpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	raft "github.com/vsuslov/copycat"
)

const serviceName = "copycat.Transport"

var methods = []string{
	"AppendEntries",
	"RequestVote",
	"Poll",
	"InstallSnapshot",
	"Configure",
	"Command",
	"Query",
	"Register",
	"KeepAlive",
	"Unregister",
	"Connect",
	"Reset",
	"Publish",
}

func fullMethod(name string) string {
	return fmt.Sprintf("/%s/%s", serviceName, name)
}

// Transport is a raft.Transport backed by a real grpc.Server for
// inbound RPCs and one grpc.ClientConn per peer for outbound ones.
type Transport struct {
	address string
	server  *grpc.Server

	mu         sync.Mutex
	conns      map[string]*grpc.ClientConn
	sessionAddr map[uint64]string

	publishHandler func(*raft.PublishRequest)

	handlers struct {
		appendEntries   func(*raft.AppendEntriesRequest, *raft.AppendEntriesResponse) error
		requestVote     func(*raft.RequestVoteRequest, *raft.RequestVoteResponse) error
		poll            func(*raft.PollRequest, *raft.PollResponse) error
		installSnapshot func(*raft.InstallSnapshotRequest, *raft.InstallSnapshotResponse) error
		configure       func(*raft.ConfigureRequest, *raft.ConfigureResponse) error
		command         func(*raft.CommandRequest, *raft.CommandResponse) error
		query           func(*raft.QueryRequest, *raft.QueryResponse) error
		register        func(*raft.RegisterRequest, *raft.RegisterResponse) error
		keepAlive       func(*raft.KeepAliveRequest, *raft.KeepAliveResponse) error
		unregister      func(*raft.UnregisterRequest, *raft.UnregisterResponse) error
		connect         func(*raft.ConnectRequest, *raft.ConnectResponse) error
		reset           func(*raft.ResetRequest, *raft.ResetResponse) error
	}
}

// New builds a Transport that will listen on address once Run is
// called. address must be a "host:port" string grpc.Server can bind.
func New(address string) *Transport {
	return &Transport{
		address:     address,
		conns:       make(map[string]*grpc.ClientConn),
		sessionAddr: make(map[uint64]string),
	}
}

func (t *Transport) Address() string { return t.address }

func (t *Transport) Connect(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[address]; ok {
		return nil
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	t.conns[address] = conn
	return nil
}

func (t *Transport) Close(address string) error {
	t.mu.Lock()
	conn, ok := t.conns[address]
	delete(t.conns, address)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

func (t *Transport) conn(address string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	conn, ok := t.conns[address]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}
	if err := t.Connect(address); err != nil {
		return nil, err
	}
	t.mu.Lock()
	conn = t.conns[address]
	t.mu.Unlock()
	return conn, nil
}

// Run starts the grpc.Server and blocks until Shutdown is called.
func (t *Transport) Run() error {
	lis, err := net.Listen("tcp", t.address)
	if err != nil {
		return err
	}
	t.server = grpc.NewServer()
	desc := &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
	}
	for _, name := range methods {
		name := name
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    t.unaryHandler(name),
		})
	}
	t.server.RegisterService(desc, nil)
	return t.server.Serve(lis)
}

func (t *Transport) Shutdown() {
	if t.server != nil {
		t.server.GracefulStop()
	}
}

func (t *Transport) unaryHandler(name string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			return t.dispatch(name, in)
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, handle)
	}
}

func (t *Transport) dispatch(name string, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	switch name {
	case "AppendEntries":
		return call(in, t.handlers.appendEntries)
	case "RequestVote":
		return call(in, t.handlers.requestVote)
	case "Poll":
		return call(in, t.handlers.poll)
	case "InstallSnapshot":
		return call(in, t.handlers.installSnapshot)
	case "Configure":
		return call(in, t.handlers.configure)
	case "Command":
		return call(in, t.handlers.command)
	case "Query":
		return call(in, t.handlers.query)
	case "Register":
		return call(in, t.handlers.register)
	case "KeepAlive":
		return call(in, t.handlers.keepAlive)
	case "Unregister":
		return call(in, t.handlers.unregister)
	case "Connect":
		return t.dispatchConnect(in)
	case "Reset":
		return call(in, t.handlers.reset)
	case "Publish":
		return t.dispatchPublish(in)
	default:
		return nil, fmt.Errorf("grpc transport: unknown method %q", name)
	}
}

// dispatchConnect special-cases Connect so the address the client asks
// to be reached at is remembered against its session, which is what
// PublishEvents later looks up to know where to push to.
func (t *Transport) dispatchConnect(in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req := new(raft.ConnectRequest)
	if err := gobDecode(in.GetValue(), req); err != nil {
		return nil, err
	}
	if req.Session != 0 && req.Connection != "" {
		t.mu.Lock()
		t.sessionAddr[req.Session] = req.Connection
		t.mu.Unlock()
	}
	if t.handlers.connect == nil {
		return nil, fmt.Errorf("grpc transport: no handler registered")
	}
	resp := new(raft.ConnectResponse)
	if err := t.handlers.connect(req, resp); err != nil {
		return nil, err
	}
	payload, err := gobEncode(resp)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(payload), nil
}

func (t *Transport) dispatchPublish(in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req := new(raft.PublishRequest)
	if err := gobDecode(in.GetValue(), req); err != nil {
		return nil, err
	}
	if t.publishHandler != nil {
		t.publishHandler(req)
	}
	return wrapperspb.Bytes(nil), nil
}

// call decodes req's gob payload into a fresh *Req, invokes handler,
// and gob-encodes *Resp back into the BytesValue envelope. Req and
// Resp are always pointers to the plain structs raft.Transport already
// defines, so no generated marshaling code is involved on either side.
func call[Req, Resp any](req *wrapperspb.BytesValue, handler func(*Req, *Resp) error) (*wrapperspb.BytesValue, error) {
	if handler == nil {
		return nil, fmt.Errorf("grpc transport: no handler registered")
	}
	in := new(Req)
	if err := gobDecode(req.GetValue(), in); err != nil {
		return nil, err
	}
	out := new(Resp)
	if err := handler(in, out); err != nil {
		return nil, err
	}
	payload, err := gobEncode(out)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(payload), nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// send performs a client-side unary call: gob-encode req, wrap it in a
// BytesValue, invoke the method by its hand-assigned full name, and
// gob-decode the BytesValue reply into a fresh Resp.
func send[Req, Resp any](t *Transport, address, method string, req Req) (Resp, error) {
	var zero Resp
	conn, err := t.conn(address)
	if err != nil {
		return zero, err
	}
	payload, err := gobEncode(&req)
	if err != nil {
		return zero, err
	}
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(context.Background(), fullMethod(method), wrapperspb.Bytes(payload), out); err != nil {
		return zero, err
	}
	var resp Resp
	if err := gobDecode(out.GetValue(), &resp); err != nil {
		return zero, err
	}
	return resp, nil
}

func (t *Transport) RegisterAppendEntriesHandler(h func(*raft.AppendEntriesRequest, *raft.AppendEntriesResponse) error) {
	t.handlers.appendEntries = h
}
func (t *Transport) RegisterRequestVoteHandler(h func(*raft.RequestVoteRequest, *raft.RequestVoteResponse) error) {
	t.handlers.requestVote = h
}
func (t *Transport) RegisterPollHandler(h func(*raft.PollRequest, *raft.PollResponse) error) {
	t.handlers.poll = h
}
func (t *Transport) RegisterInstallSnapshotHandler(h func(*raft.InstallSnapshotRequest, *raft.InstallSnapshotResponse) error) {
	t.handlers.installSnapshot = h
}
func (t *Transport) RegisterConfigureHandler(h func(*raft.ConfigureRequest, *raft.ConfigureResponse) error) {
	t.handlers.configure = h
}
func (t *Transport) RegisterCommandHandler(h func(*raft.CommandRequest, *raft.CommandResponse) error) {
	t.handlers.command = h
}
func (t *Transport) RegisterQueryHandler(h func(*raft.QueryRequest, *raft.QueryResponse) error) {
	t.handlers.query = h
}
func (t *Transport) RegisterRegisterHandler(h func(*raft.RegisterRequest, *raft.RegisterResponse) error) {
	t.handlers.register = h
}
func (t *Transport) RegisterKeepAliveHandler(h func(*raft.KeepAliveRequest, *raft.KeepAliveResponse) error) {
	t.handlers.keepAlive = h
}
func (t *Transport) RegisterUnregisterHandler(h func(*raft.UnregisterRequest, *raft.UnregisterResponse) error) {
	t.handlers.unregister = h
}
func (t *Transport) RegisterConnectHandler(h func(*raft.ConnectRequest, *raft.ConnectResponse) error) {
	t.handlers.connect = h
}
func (t *Transport) RegisterResetHandler(h func(*raft.ResetRequest, *raft.ResetResponse) error) {
	t.handlers.reset = h
}

func (t *Transport) SendAppendEntries(address string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return send[raft.AppendEntriesRequest, raft.AppendEntriesResponse](t, address, "AppendEntries", req)
}
func (t *Transport) SendRequestVote(address string, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	return send[raft.RequestVoteRequest, raft.RequestVoteResponse](t, address, "RequestVote", req)
}
func (t *Transport) SendPoll(address string, req raft.PollRequest) (raft.PollResponse, error) {
	return send[raft.PollRequest, raft.PollResponse](t, address, "Poll", req)
}
func (t *Transport) SendInstallSnapshot(address string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	return send[raft.InstallSnapshotRequest, raft.InstallSnapshotResponse](t, address, "InstallSnapshot", req)
}
func (t *Transport) SendConfigure(address string, req raft.ConfigureRequest) (raft.ConfigureResponse, error) {
	return send[raft.ConfigureRequest, raft.ConfigureResponse](t, address, "Configure", req)
}
func (t *Transport) SendCommand(address string, req raft.CommandRequest) (raft.CommandResponse, error) {
	return send[raft.CommandRequest, raft.CommandResponse](t, address, "Command", req)
}
func (t *Transport) SendQuery(address string, req raft.QueryRequest) (raft.QueryResponse, error) {
	return send[raft.QueryRequest, raft.QueryResponse](t, address, "Query", req)
}
func (t *Transport) SendRegister(address string, req raft.RegisterRequest) (raft.RegisterResponse, error) {
	return send[raft.RegisterRequest, raft.RegisterResponse](t, address, "Register", req)
}
func (t *Transport) SendKeepAlive(address string, req raft.KeepAliveRequest) (raft.KeepAliveResponse, error) {
	return send[raft.KeepAliveRequest, raft.KeepAliveResponse](t, address, "KeepAlive", req)
}
func (t *Transport) SendUnregister(address string, req raft.UnregisterRequest) (raft.UnregisterResponse, error) {
	return send[raft.UnregisterRequest, raft.UnregisterResponse](t, address, "Unregister", req)
}
func (t *Transport) SendConnect(address string, req raft.ConnectRequest) (raft.ConnectResponse, error) {
	return send[raft.ConnectRequest, raft.ConnectResponse](t, address, "Connect", req)
}
func (t *Transport) SendReset(address string, req raft.ResetRequest) (raft.ResetResponse, error) {
	return send[raft.ResetRequest, raft.ResetResponse](t, address, "Reset", req)
}

// PublishEvents pushes a PublishRequest to whichever address last
// confirmed it owns sessionID via a Connect call.
func (t *Transport) PublishEvents(sessionID uint64, request raft.PublishRequest) error {
	t.mu.Lock()
	address, ok := t.sessionAddr[sessionID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("grpc transport: no known address for session %d", sessionID)
	}
	conn, err := t.conn(address)
	if err != nil {
		return err
	}
	payload, err := gobEncode(&request)
	if err != nil {
		return err
	}
	out := new(wrapperspb.BytesValue)
	return conn.Invoke(context.Background(), fullMethod("Publish"), wrapperspb.Bytes(payload), out)
}

func (t *Transport) RegisterPublishHandler(h func(*raft.PublishRequest)) {
	t.publishHandler = h
}

var _ raft.Transport = (*Transport)(nil)
