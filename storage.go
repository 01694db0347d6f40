package raft

// PersistentStorage is the lifecycle shared by every durable
// collaborator raft depends on: the log, the term/vote state storage,
// and the snapshot storage. Each must be opened before use, replayed
// once to recover any state written in a previous process lifetime,
// and closed on shutdown.
type PersistentStorage interface {
	// Open prepares the storage for reads and writes, creating any
	// backing files that do not already exist.
	Open() error

	// Replay recovers whatever state was durably written before the
	// current process started. It must be called after Open and
	// before the storage is used for anything else.
	Replay() error

	// Close releases any resources associated with the storage. It is
	// safe to call Close on a storage that was never opened.
	Close() error
}
