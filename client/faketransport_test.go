package client

import (
	"errors"
	"sync"

	raft "github.com/vsuslov/copycat"
)

// fakeTransport is a hand-rolled raft.Transport stub: client package
// tests never dial a real network, only exercise the sequencing,
// retry, and address-selection logic sitting in front of one.
type fakeTransport struct {
	mu sync.Mutex

	connectErr map[string]error

	connectFunc func(address string, req raft.ConnectRequest) (raft.ConnectResponse, error)
	commandFunc func(address string, req raft.CommandRequest) (raft.CommandResponse, error)
	queryFunc   func(address string, req raft.QueryRequest) (raft.QueryResponse, error)
	registerFunc func(address string, req raft.RegisterRequest) (raft.RegisterResponse, error)
	keepAliveFunc func(address string, req raft.KeepAliveRequest) (raft.KeepAliveResponse, error)
	resetFunc     func(address string, req raft.ResetRequest) (raft.ResetResponse, error)

	connectCalls []string
	commandCalls []raft.CommandRequest
	resetCalls   []raft.ResetRequest

	publishHandler func(*raft.PublishRequest)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connectErr: make(map[string]error)}
}

func (f *fakeTransport) Address() string { return "self" }

func (f *fakeTransport) Connect(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls = append(f.connectCalls, address)
	if err, ok := f.connectErr[address]; ok {
		return err
	}
	return nil
}

func (f *fakeTransport) Close(address string) error { return nil }
func (f *fakeTransport) Run() error                  { return nil }
func (f *fakeTransport) Shutdown()                   {}

func (f *fakeTransport) RegisterAppendEntriesHandler(func(*raft.AppendEntriesRequest, *raft.AppendEntriesResponse) error) {
}
func (f *fakeTransport) RegisterRequestVoteHandler(func(*raft.RequestVoteRequest, *raft.RequestVoteResponse) error) {
}
func (f *fakeTransport) RegisterPollHandler(func(*raft.PollRequest, *raft.PollResponse) error) {}
func (f *fakeTransport) RegisterInstallSnapshotHandler(func(*raft.InstallSnapshotRequest, *raft.InstallSnapshotResponse) error) {
}
func (f *fakeTransport) RegisterConfigureHandler(func(*raft.ConfigureRequest, *raft.ConfigureResponse) error) {
}
func (f *fakeTransport) RegisterCommandHandler(func(*raft.CommandRequest, *raft.CommandResponse) error) {
}
func (f *fakeTransport) RegisterQueryHandler(func(*raft.QueryRequest, *raft.QueryResponse) error) {}
func (f *fakeTransport) RegisterRegisterHandler(func(*raft.RegisterRequest, *raft.RegisterResponse) error) {
}
func (f *fakeTransport) RegisterKeepAliveHandler(func(*raft.KeepAliveRequest, *raft.KeepAliveResponse) error) {
}
func (f *fakeTransport) RegisterUnregisterHandler(func(*raft.UnregisterRequest, *raft.UnregisterResponse) error) {
}
func (f *fakeTransport) RegisterConnectHandler(func(*raft.ConnectRequest, *raft.ConnectResponse) error) {
}
func (f *fakeTransport) RegisterResetHandler(func(*raft.ResetRequest, *raft.ResetResponse) error) {
}

func (f *fakeTransport) SendAppendEntries(address string, request raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{}, errors.New("not used by client tests")
}
func (f *fakeTransport) SendRequestVote(address string, request raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	return raft.RequestVoteResponse{}, errors.New("not used by client tests")
}
func (f *fakeTransport) SendPoll(address string, request raft.PollRequest) (raft.PollResponse, error) {
	return raft.PollResponse{}, errors.New("not used by client tests")
}
func (f *fakeTransport) SendInstallSnapshot(address string, request raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	return raft.InstallSnapshotResponse{}, errors.New("not used by client tests")
}
func (f *fakeTransport) SendConfigure(address string, request raft.ConfigureRequest) (raft.ConfigureResponse, error) {
	return raft.ConfigureResponse{}, errors.New("not used by client tests")
}

func (f *fakeTransport) SendCommand(address string, request raft.CommandRequest) (raft.CommandResponse, error) {
	f.mu.Lock()
	f.commandCalls = append(f.commandCalls, request)
	fn := f.commandFunc
	f.mu.Unlock()
	if fn == nil {
		return raft.CommandResponse{Status: raft.ErrNone}, nil
	}
	return fn(address, request)
}

func (f *fakeTransport) SendQuery(address string, request raft.QueryRequest) (raft.QueryResponse, error) {
	if f.queryFunc == nil {
		return raft.QueryResponse{Status: raft.ErrNone}, nil
	}
	return f.queryFunc(address, request)
}

func (f *fakeTransport) SendRegister(address string, request raft.RegisterRequest) (raft.RegisterResponse, error) {
	if f.registerFunc == nil {
		return raft.RegisterResponse{Status: raft.ErrNone, Session: 1}, nil
	}
	return f.registerFunc(address, request)
}

func (f *fakeTransport) SendKeepAlive(address string, request raft.KeepAliveRequest) (raft.KeepAliveResponse, error) {
	if f.keepAliveFunc == nil {
		return raft.KeepAliveResponse{Status: raft.ErrNone}, nil
	}
	return f.keepAliveFunc(address, request)
}

func (f *fakeTransport) SendUnregister(address string, request raft.UnregisterRequest) (raft.UnregisterResponse, error) {
	return raft.UnregisterResponse{Status: raft.ErrNone}, nil
}

func (f *fakeTransport) SendConnect(address string, request raft.ConnectRequest) (raft.ConnectResponse, error) {
	if f.connectFunc == nil {
		return raft.ConnectResponse{Status: raft.ErrNone}, nil
	}
	return f.connectFunc(address, request)
}

func (f *fakeTransport) SendReset(address string, request raft.ResetRequest) (raft.ResetResponse, error) {
	f.mu.Lock()
	f.resetCalls = append(f.resetCalls, request)
	fn := f.resetFunc
	f.mu.Unlock()
	if fn == nil {
		return raft.ResetResponse{Status: raft.ErrNone}, nil
	}
	return fn(address, request)
}

func (f *fakeTransport) PublishEvents(sessionID uint64, request raft.PublishRequest) error {
	f.mu.Lock()
	h := f.publishHandler
	f.mu.Unlock()
	if h != nil {
		h(&request)
	}
	return nil
}

func (f *fakeTransport) RegisterPublishHandler(h func(*raft.PublishRequest)) {
	f.mu.Lock()
	f.publishHandler = h
	f.mu.Unlock()
}
