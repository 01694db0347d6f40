package raft

import (
	"fmt"
	"sync"
)

// StateMachineFactory constructs a fresh, zero-valued StateMachine. A
// server process registers the factories for every state machine kind
// it knows how to run, then starts one by name - this package never
// imports a user's state machine package directly (§4.9).
type StateMachineFactory func() StateMachine

var (
	registryMu sync.Mutex
	registry   = make(map[string]StateMachineFactory)
)

// RegisterStateMachine associates name with factory, so that
// NewStateMachine(name) can later construct one. Calling it twice for
// the same name overwrites the previous registration, matching the
// common init()-time self-registration pattern: the last import wins.
func RegisterStateMachine(name string, factory StateMachineFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewStateMachine constructs the state machine registered under name,
// or an error if nothing was registered under it.
func NewStateMachine(name string) (StateMachine, error) {
	registryMu.Lock()
	factory, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no state machine registered under name %q", name)
	}
	return factory(), nil
}

// RegisteredStateMachines returns the names currently registered, for
// diagnostics and CLI flag help text.
func RegisteredStateMachines() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
