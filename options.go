package raft

import (
	"time"

	"github.com/vsuslov/copycat/internal/errors"
)

const (
	minElectionTimeout     = time.Duration(100 * time.Millisecond)
	maxElectionTimeout     = time.Duration(2000 * time.Millisecond)
	defaultElectionTimeout = time.Duration(300 * time.Millisecond)

	minHeartbeat     = time.Duration(25 * time.Millisecond)
	maxHeartbeat     = time.Duration(300 * time.Millisecond)
	defaultHeartbeat = time.Duration(50 * time.Millisecond)

	minMaxEntriesPerRPC     = 50
	maxMaxEntriesPerRPC     = 500
	defaultMaxEntriesPerRPC = 100

	minSessionTimeout     = time.Duration(1 * time.Second)
	maxSessionTimeout     = time.Duration(5 * time.Minute)
	defaultSessionTimeout = time.Duration(30 * time.Second)

	minKeepAliveInterval     = time.Duration(500 * time.Millisecond)
	maxKeepAliveInterval     = time.Duration(1 * time.Minute)
	defaultKeepAliveInterval = time.Duration(5 * time.Second)
)

// Logger supports logging messages at the debug, info, warn, error, and
// fatal level.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

type options struct {
	// Minimum election timeout. A random time between electionTimeout
	// and 2 * electionTimeout is chosen to determine when a server
	// holds a pre-vote.
	electionTimeout time.Duration

	// The interval between AppendEntries RPCs (and their zero-entry
	// heartbeat form) that the leader sends to its peers.
	heartbeatInterval time.Duration

	// The maximum number of log entries transmitted via a single
	// AppendEntries RPC.
	maxEntriesPerRPC int

	// The duration of client inactivity after which a session is
	// expired, absent a keep-alive.
	sessionTimeout time.Duration

	// The interval at which a connected client is expected to send a
	// KeepAliveRequest.
	keepAliveInterval time.Duration

	// When true, a failed AppendEntries reply causes nextIndex to be
	// found via bisection rather than by moving straight to the index
	// the follower hints at.
	nextIndexBisection bool

	// A logger for debugging and important events.
	logger Logger

	// Collaborators that may be substituted in place of this package's
	// default file-backed or gRPC-based implementations. Left nil to
	// use the defaults built from the server's data path and address.
	transport       Transport
	log             Log
	stateStorage    StateStorage
	snapshotStorage SnapshotStorage
}

// Option is a function that updates the options associated with Raft.
type Option func(options *options) error

// WithElectionTimeout sets the election timeout for the Raft server.
func WithElectionTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minElectionTimeout || timeout > maxElectionTimeout {
			return errors.New("election timeout value is invalid")
		}
		options.electionTimeout = timeout
		return nil
	}
}

// WithHeartbeatInterval sets the heartbeat interval for the Raft server.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minHeartbeat || interval > maxHeartbeat {
			return errors.New("heartbeat interval value is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithMaxEntriesPerRPC sets the maximum number of log entries that can
// be transmitted via an AppendEntries RPC.
func WithMaxEntriesPerRPC(maxEntriesPerRPC int) Option {
	return func(options *options) error {
		if maxEntriesPerRPC < minMaxEntriesPerRPC || maxEntriesPerRPC > maxMaxEntriesPerRPC {
			return errors.New("maximum entries per RPC value is invalid")
		}
		options.maxEntriesPerRPC = maxEntriesPerRPC
		return nil
	}
}

// WithSessionTimeout sets the duration of client inactivity after which
// a session is eligible for expiration.
func WithSessionTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minSessionTimeout || timeout > maxSessionTimeout {
			return errors.New("session timeout value is invalid")
		}
		options.sessionTimeout = timeout
		return nil
	}
}

// WithKeepAliveInterval sets the interval at which clients are expected
// to send KeepAliveRequests.
func WithKeepAliveInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minKeepAliveInterval || interval > maxKeepAliveInterval {
			return errors.New("keep-alive interval value is invalid")
		}
		options.keepAliveInterval = interval
		return nil
	}
}

// WithNextIndexBisection enables bisection search for a follower's
// nextIndex on repeated AppendEntries rejection, instead of moving
// straight to the index the follower hints at each time.
func WithNextIndexBisection(enabled bool) Option {
	return func(options *options) error {
		options.nextIndexBisection = enabled
		return nil
	}
}

// WithTransport substitutes a Transport implementation for this
// package's default (see package transport/grpc).
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}

// WithLog substitutes a Log implementation for the default file-backed
// one.
func WithLog(log Log) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithStateStorage substitutes a StateStorage implementation for the
// default file-backed one.
func WithStateStorage(stateStorage StateStorage) Option {
	return func(options *options) error {
		if stateStorage == nil {
			return errors.New("state storage must not be nil")
		}
		options.stateStorage = stateStorage
		return nil
	}
}

// WithSnapshotStorage substitutes a SnapshotStorage implementation for
// the default file-backed one.
func WithSnapshotStorage(snapshotStorage SnapshotStorage) Option {
	return func(options *options) error {
		if snapshotStorage == nil {
			return errors.New("snapshot storage must not be nil")
		}
		options.snapshotStorage = snapshotStorage
		return nil
	}
}

// WithLogger sets the logger used by the Raft server.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}
