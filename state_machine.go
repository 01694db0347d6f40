package raft

// StateMachine is an interface representing a replicated state
// machine. The implementation must be concurrent safe, since reads
// (Snapshot) may run concurrently with the apply loop on some
// implementations, and must be deterministic: given the same sequence
// of operations, every replica must reach the same state.
type StateMachine interface {
	// Apply applies the given operation to the state machine and
	// returns the result to send back to the client along with any
	// events the operation produced. Apply must not be called for an
	// operation whose OperationType is Query from the apply loop -
	// queries are applied directly by the session manager's
	// linearizable/sequential read path instead.
	Apply(operation *Operation) *ApplyResult

	// Snapshot writes the current state of the state machine to
	// snapshot. It is called with the raft lock released, so the
	// state machine must tolerate concurrent Apply calls made before
	// this call returns being reflected or not reflected in the
	// snapshot - either is acceptable, since the snapshot's metadata
	// records exactly which index it was taken at.
	Snapshot(snapshot SnapshotFile) error

	// Restore recovers the state of the state machine from a snapshot
	// previously produced by Snapshot.
	Restore(snapshot SnapshotFile) error

	// NeedSnapshot returns true if a snapshot should be taken of the
	// state machine and false otherwise. The provided log size is the
	// number of entries currently in the log.
	NeedSnapshot(logSize int) bool
}

// ApplyResult is the outcome of applying a single operation to the
// state machine.
type ApplyResult struct {
	// Result is the opaque, application-defined response payload.
	Result []byte

	// Err is set if the state machine rejected the operation. It is
	// surfaced to the client as APPLICATION_ERROR and never causes the
	// entry to be skipped or the session's sequence to stall (§7).
	Err error

	// Events are published to the submitting session in the order
	// they were appended, tagged with the index of the command whose
	// apply produced them.
	Events []Event
}

// Event is a single state-machine-produced notification delivered to
// the client that owns the session the triggering command was
// submitted on.
type Event struct {
	// Name identifies the kind of event to client-side listeners.
	Name string

	// Payload is the opaque, application-defined event body.
	Payload []byte
}
