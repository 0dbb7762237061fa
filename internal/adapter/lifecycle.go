package adapter

import (
	"fmt"
	"sync"
)

// State is an adapter session's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateDiscovering
	StateBound
	StateStreaming
	StateRecovering
	StateStopping
	StateStopped
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateDiscovering:   "discovering",
	StateBound:         "bound",
	StateStreaming:     "streaming",
	StateRecovering:    "recovering",
	StateStopping:      "stopping",
	StateStopped:       "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// validTransitions encodes the lifecycle graph. Recovering is reachable
// only from Streaming and either returns there or falls through to
// Stopped when the retry budget is exhausted. Stopping is reachable from
// every live state so stop requests never fail on timing.
var validTransitions = map[State][]State{
	StateUninitialized: {StateDiscovering, StateBound, StateStopping},
	StateDiscovering:   {StateUninitialized, StateBound, StateStopping},
	StateBound:         {StateStreaming, StateStopping},
	StateStreaming:     {StateRecovering, StateStopping},
	StateRecovering:    {StateStreaming, StateStopping, StateStopped},
	StateStopping:      {StateStopped},
}

// Lifecycle is a guarded lifecycle state holder shared by all adapter
// implementations. Zero value starts in StateUninitialized.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to the target state, failing if the lifecycle graph
// has no such edge.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, allowed := range validTransitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", l.state, to)
}

// Is reports whether the current state equals s.
func (l *Lifecycle) Is(s State) bool {
	return l.State() == s
}
