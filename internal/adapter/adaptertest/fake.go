// Package adaptertest provides a scripted in-process adapter so hub and
// runner tests can drive sessions without a PTY or a tmux server.
package adaptertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/protocol"
)

// Fake is a hand-driven adapter: tests call the Emit methods to push
// events upstream and the accessors to observe what flowed downstream.
type Fake struct {
	Caps    adapter.Capabilities
	Targets []adapter.Target

	BindErr   error
	ResizeErr error

	SnapshotData []byte

	mu       sync.Mutex
	events   chan<- adapter.Event
	inputs   [][]byte
	resizes  [][2]int
	rows     int
	cols     int
	stopped  bool
	exitOnce sync.Once
}

func New() *Fake {
	return &Fake{
		Caps: adapter.Capabilities{
			SupportsSharedInput:      true,
			SupportsControllerResize: true,
		},
	}
}

func (f *Fake) Capabilities() adapter.Capabilities { return f.Caps }

func (f *Fake) Discover(ctx context.Context, filter string) ([]adapter.Target, error) {
	if !f.Caps.CanListTargets {
		return nil, protocol.ErrNotSupported
	}
	return f.Targets, nil
}

func (f *Fake) Bind(ctx context.Context, req adapter.BindRequest) (adapter.Bound, error) {
	if f.BindErr != nil {
		return adapter.Bound{}, f.BindErr
	}
	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	f.mu.Lock()
	f.rows, f.cols = rows, cols
	f.mu.Unlock()
	return adapter.Bound{Handle: "fake", Rows: rows, Cols: cols}, nil
}

func (f *Fake) StartStreaming(ctx context.Context, h adapter.Handle, events chan<- adapter.Event) error {
	if h != "fake" {
		return fmt.Errorf("unknown handle %q: %w", h, protocol.ErrTargetUnavailable)
	}
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
	return nil
}

func (f *Fake) Input(h adapter.Handle, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, append([]byte(nil), data...))
	return nil
}

func (f *Fake) Resize(h adapter.Handle, rows, cols int) error {
	if f.ResizeErr != nil {
		return f.ResizeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{rows, cols})
	f.rows, f.cols = rows, cols
	return nil
}

func (f *Fake) Snapshot(ctx context.Context, h adapter.Handle, mode adapter.SnapshotMode) (adapter.Snapshot, error) {
	if !f.Caps.HasHistorySnapshot {
		return adapter.Snapshot{}, protocol.ErrNotSupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return adapter.Snapshot{Data: f.SnapshotData, Rows: f.rows, Cols: f.cols}, nil
}

func (f *Fake) Stop(ctx context.Context, h adapter.Handle) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.EmitExit("stopped")
	return nil
}

// EmitOutput pushes output bytes upstream, as the backend would.
func (f *Fake) EmitOutput(data []byte) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	events <- adapter.Event{Type: adapter.EventOutput, Data: data}
}

// EmitLocalClaim simulates a native layout signal.
func (f *Fake) EmitLocalClaim() {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	events <- adapter.Event{Type: adapter.EventLocalClaim}
}

// EmitExit ends the stream. Safe to call more than once; only the first
// wins, matching the exit-once contract.
func (f *Fake) EmitExit(reason string) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	if events == nil {
		return
	}
	f.exitOnce.Do(func() {
		events <- adapter.Event{Type: adapter.EventExit, Reason: reason}
		close(events)
	})
}

// CloseStream closes the event channel without an exit event, simulating
// a backend stream that dies mid-session.
func (f *Fake) CloseStream() {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	if events == nil {
		return
	}
	f.exitOnce.Do(func() { close(events) })
}

// Inputs returns every input write received, in order.
func (f *Fake) Inputs() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.inputs))
	copy(out, f.inputs)
	return out
}

// Resizes returns every applied resize as {rows, cols} pairs, in order.
func (f *Fake) Resizes() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]int, len(f.resizes))
	copy(out, f.resizes)
	return out
}

func (f *Fake) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}
