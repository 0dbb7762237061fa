// Package session implements the session runner: the process-local owner
// of one bound adapter instance, its output/input/resize streams, and its
// history cache, plus the registry mapping session ids to runners.
package session

import (
	"context"
	"log"
	"sync"

	"github.com/term-relay/backend/internal/adapter"
)

// Sink is the hub-facing surface a runner pushes into. Output fan-out and
// controller mutation are independent paths on the hub side, so a slow
// control negotiation never stalls the output pump.
type Sink interface {
	// BroadcastOutput fans output bytes out to all subscribers of the
	// session, preserving call order per subscriber.
	BroadcastOutput(sessionID string, data []byte)

	// ReclaimLocal resets the session's controller to local. Called when
	// the adapter translates a native signal into a local control claim.
	ReclaimLocal(sessionID string)

	// SessionClosed tells the hub the session is gone. The hub sends a
	// terminal exit to every subscriber and drops the session.
	SessionClosed(sessionID string, reason string)
}

// Runner owns one session's adapter binding and streams between it and
// the hub. Input and resize arrive from the hub; output, control claims,
// and exit flow from the adapter.
type Runner struct {
	id      string
	adapter adapter.Adapter
	handle  adapter.Handle
	sink    Sink
	history *History

	mu   sync.Mutex
	rows int
	cols int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(id string, a adapter.Adapter, bound adapter.Bound, sink Sink, historyBytes int) *Runner {
	return &Runner{
		id:      id,
		adapter: a,
		handle:  bound.Handle,
		sink:    sink,
		history: NewHistory(historyBytes),
		rows:    bound.Rows,
		cols:    bound.Cols,
		done:    make(chan struct{}),
	}
}

func (r *Runner) ID() string { return r.id }

// Start begins streaming. If the adapter can capture history, an initial
// snapshot seeds the history cache so the first subscriber sees the
// screen as it was before the relay attached.
func (r *Runner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	events := make(chan adapter.Event, 64)
	if err := r.adapter.StartStreaming(runCtx, r.handle, events); err != nil {
		cancel()
		return err
	}

	if r.adapter.Capabilities().HasHistorySnapshot {
		snap, err := r.adapter.Snapshot(runCtx, r.handle, adapter.SnapshotPrimary)
		if err != nil {
			log.Printf("session %s: initial snapshot failed: %v", r.id, err)
		} else {
			r.history.Reset(snap.Data)
			if snap.Rows > 0 && snap.Cols > 0 {
				r.setDims(snap.Rows, snap.Cols)
			}
		}
	}

	go r.pump(events)
	return nil
}

// pump drains adapter events until exit. Runs on its own goroutine so
// output delivery never blocks on control traffic.
func (r *Runner) pump(events <-chan adapter.Event) {
	defer close(r.done)
	for ev := range events {
		switch ev.Type {
		case adapter.EventOutput:
			r.history.Write(ev.Data)
			r.sink.BroadcastOutput(r.id, ev.Data)
		case adapter.EventLocalClaim, adapter.EventLocalRelease:
			// Both resolve to the same controller value: local.
			r.sink.ReclaimLocal(r.id)
		case adapter.EventExit:
			reason := ev.Reason
			if reason == "" {
				reason = "session ended"
			}
			r.sink.SessionClosed(r.id, reason)
			return
		}
	}
	r.sink.SessionClosed(r.id, "adapter stream closed")
}

// Input forwards keyboard bytes to the backend. Submission order is
// preserved: the hub calls this from a single goroutine per subscriber
// and the adapter applies writes in call order.
func (r *Runner) Input(data []byte) error {
	return r.adapter.Input(r.handle, data)
}

// Resize applies a controller's size decision to the backend and records
// the new dimensions on success.
func (r *Runner) Resize(rows, cols int) error {
	if err := r.adapter.Resize(r.handle, rows, cols); err != nil {
		return err
	}
	r.setDims(rows, cols)
	return nil
}

// HistorySnapshot returns the catch-up buffer and current dimensions for
// a new subscriber's handshake.
func (r *Runner) HistorySnapshot() (data []byte, rows, cols int) {
	r.mu.Lock()
	rows, cols = r.rows, r.cols
	r.mu.Unlock()
	return r.history.Bytes(), rows, cols
}

// Stop shuts the session down: graceful adapter stop first, then stream
// cancellation. Safe to call more than once.
func (r *Runner) Stop(ctx context.Context) error {
	err := r.adapter.Stop(ctx, r.handle)
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

// Done closes when the event pump has drained, after the adapter's exit.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) setDims(rows, cols int) {
	r.mu.Lock()
	r.rows, r.cols = rows, cols
	r.mu.Unlock()
}
