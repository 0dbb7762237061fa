package adapter

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	var l Lifecycle
	if got := l.State(); got != StateUninitialized {
		t.Fatalf("initial state = %v, want %v", got, StateUninitialized)
	}

	for _, next := range []State{
		StateDiscovering, StateBound, StateStreaming, StateStopping, StateStopped,
	} {
		if err := l.Transition(next); err != nil {
			t.Fatalf("Transition(%v): %v", next, err)
		}
		if !l.Is(next) {
			t.Fatalf("state = %v after Transition(%v)", l.State(), next)
		}
	}
}

func TestLifecycleRecovery(t *testing.T) {
	var l Lifecycle
	steps := []State{StateBound, StateStreaming, StateRecovering, StateStreaming}
	for _, next := range steps {
		if err := l.Transition(next); err != nil {
			t.Fatalf("Transition(%v): %v", next, err)
		}
	}

	// Exhausted recovery falls through to Stopped.
	if err := l.Transition(StateRecovering); err != nil {
		t.Fatalf("Transition(Recovering): %v", err)
	}
	if err := l.Transition(StateStopped); err != nil {
		t.Fatalf("Transition(Stopped): %v", err)
	}
}

func TestLifecycleInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from []State
		to   State
	}{
		{"UninitializedToStreaming", nil, StateStreaming},
		{"StoppedIsTerminal", []State{StateBound, StateStopping, StateStopped}, StateStreaming},
		{"StreamingBackToBound", []State{StateBound, StateStreaming}, StateBound},
		{"RecoveringOnlyFromStreaming", []State{StateBound}, StateRecovering},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l Lifecycle
			for _, s := range tt.from {
				if err := l.Transition(s); err != nil {
					t.Fatalf("setup Transition(%v): %v", s, err)
				}
			}
			if err := l.Transition(tt.to); err == nil {
				t.Fatalf("Transition(%v) from %v succeeded, want error", tt.to, l.State())
			}
		})
	}
}

func TestLifecycleStoppingFromAnyLiveState(t *testing.T) {
	for _, from := range []State{StateUninitialized, StateDiscovering, StateBound, StateStreaming} {
		var l Lifecycle
		if from != StateUninitialized {
			path := map[State][]State{
				StateDiscovering: {StateDiscovering},
				StateBound:       {StateBound},
				StateStreaming:   {StateBound, StateStreaming},
			}[from]
			for _, s := range path {
				if err := l.Transition(s); err != nil {
					t.Fatalf("setup Transition(%v): %v", s, err)
				}
			}
		}
		if err := l.Transition(StateStopping); err != nil {
			t.Errorf("Transition(Stopping) from %v: %v", from, err)
		}
	}
}
