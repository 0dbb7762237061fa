package extension

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/protocol"
)

// Adapter exposes one supervised extension process through the standard
// adapter contract. Crashes are absorbed here: the process is relaunched
// and the session restarted up to the host's restart budget, after which
// the session ends with a terminal exit event.
type Adapter struct {
	host     *Host
	manifest Manifest

	lifecycle adapter.Lifecycle

	mu        sync.Mutex
	proc      *process
	handle    adapter.Handle
	extHandle string
	params    startParams
	rows      int
	cols      int
	stopping  bool
	restarts  []time.Time

	exitOnce sync.Once
}

// NewAdapter wraps a manifest in an adapter. The extension process is
// launched lazily, on first Discover or Bind.
func (h *Host) NewAdapter(m Manifest) *Adapter {
	return &Adapter{host: h, manifest: m}
}

func (a *Adapter) Capabilities() adapter.Capabilities {
	return a.manifest.Capabilities
}

func (a *Adapter) Discover(ctx context.Context, filter string) ([]adapter.Target, error) {
	if !a.manifest.Capabilities.CanListTargets {
		return nil, fmt.Errorf("extension %s: %w", a.manifest.ID, protocol.ErrNotSupported)
	}
	proc, err := a.ensureProcess(ctx)
	if err != nil {
		return nil, err
	}
	a.lifecycle.Transition(adapter.StateDiscovering)
	targets, err := proc.conn.listTargets(ctx, filter)
	if a.lifecycle.Is(adapter.StateDiscovering) {
		a.lifecycle.Transition(adapter.StateUninitialized)
	}
	return targets, err
}

func (a *Adapter) Bind(ctx context.Context, req adapter.BindRequest) (adapter.Bound, error) {
	a.mu.Lock()
	already := a.handle != ""
	a.mu.Unlock()
	if already {
		return adapter.Bound{}, fmt.Errorf("extension %s: %w", a.manifest.ID, protocol.ErrAlreadyManaged)
	}

	proc, err := a.ensureProcess(ctx)
	if err != nil {
		return adapter.Bound{}, err
	}

	params := startParams{
		Command:     req.SpawnCommand,
		Target:      req.TargetID,
		Rows:        req.Rows,
		Cols:        req.Cols,
		Term:        req.Term,
		AllowNested: req.AllowNested,
	}
	if params.Rows <= 0 {
		params.Rows = 24
	}
	if params.Cols <= 0 {
		params.Cols = 80
	}
	if params.Term == "" {
		params.Term = "xterm-256color"
	}

	extHandle, rows, cols, err := proc.conn.start(ctx, params)
	if err != nil {
		return adapter.Bound{}, fmt.Errorf("extension %s start: %w", a.manifest.ID, err)
	}
	if rows <= 0 {
		rows = params.Rows
	}
	if cols <= 0 {
		cols = params.Cols
	}

	if err := a.lifecycle.Transition(adapter.StateBound); err != nil {
		proc.conn.stopSession(ctx, extHandle)
		return adapter.Bound{}, err
	}

	handle := newAdapterHandle()
	a.mu.Lock()
	a.handle = handle
	a.extHandle = extHandle
	a.params = params
	a.rows = rows
	a.cols = cols
	a.mu.Unlock()

	return adapter.Bound{Handle: handle, Rows: rows, Cols: cols}, nil
}

func (a *Adapter) StartStreaming(ctx context.Context, h adapter.Handle, events chan<- adapter.Event) error {
	a.mu.Lock()
	valid := h == a.handle && a.proc != nil
	a.mu.Unlock()
	if !valid {
		return fmt.Errorf("extension %s: unknown handle: %w", a.manifest.ID, protocol.ErrTargetUnavailable)
	}
	if err := a.lifecycle.Transition(adapter.StateStreaming); err != nil {
		return err
	}
	go a.pump(ctx, events)
	return nil
}

// pump forwards extension events upstream in receipt order and owns the
// crash-restart loop. It is the only sender on events.
func (a *Adapter) pump(ctx context.Context, events chan<- adapter.Event) {
	for {
		a.mu.Lock()
		proc := a.proc
		a.mu.Unlock()

		cleanExit, reason := a.drain(proc, events)
		if cleanExit {
			a.emitExit(events, reason)
			return
		}

		a.mu.Lock()
		stopping := a.stopping
		a.mu.Unlock()
		if stopping || ctx.Err() != nil {
			a.emitExit(events, "EOF")
			return
		}

		// Process died without a clean exit event: crash. Restart
		// within budget, otherwise surface a degraded-session end.
		if !a.allowRestart() {
			log.Printf("extension %s: restart budget exhausted", a.manifest.ID)
			a.lifecycle.Transition(adapter.StateStopping)
			a.lifecycle.Transition(adapter.StateStopped)
			a.emitExit(events, "extension failed repeatedly")
			return
		}

		a.lifecycle.Transition(adapter.StateRecovering)
		if err := a.restart(ctx); err != nil {
			log.Printf("extension %s: restart failed: %v", a.manifest.ID, err)
			a.lifecycle.Transition(adapter.StateStopped)
			a.emitExit(events, "extension restart failed")
			return
		}
		a.lifecycle.Transition(adapter.StateStreaming)
		log.Printf("extension %s: restarted after crash", a.manifest.ID)
	}
}

// drain consumes one process's event stream until it ends. Reports
// whether the extension ended the session cleanly (an exit event) and
// with what reason.
func (a *Adapter) drain(proc *process, events chan<- adapter.Event) (cleanExit bool, reason string) {
	for ev := range proc.conn.events() {
		switch ev.kind {
		case evOutput:
			events <- adapter.Event{Type: adapter.EventOutput, Data: ev.data}
		case evLayoutChange:
			// The extension is the adapter: its policy layer already
			// cooldown-gated this signal. Translate straight through.
			events <- adapter.Event{Type: adapter.EventLocalClaim}
		case evExit:
			if ev.reason == "" {
				ev.reason = "EOF"
			}
			return true, ev.reason
		case evLog:
			log.Printf("extension %s: [%s] %s", a.manifest.ID, ev.level, ev.message)
		}
	}
	return false, ""
}

// allowRestart applies the bounded-restart rule: at most MaxRestarts
// within RestartWindow.
func (a *Adapter) allowRestart() bool {
	now := time.Now()
	window := a.host.opts.RestartWindow

	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.restarts[:0]
	for _, t := range a.restarts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	a.restarts = kept
	if len(a.restarts) >= a.host.opts.MaxRestarts {
		return false
	}
	a.restarts = append(a.restarts, now)
	return true
}

// restart relaunches the process and restarts the session with the
// original parameters at the current dimensions.
func (a *Adapter) restart(ctx context.Context) error {
	a.mu.Lock()
	params := a.params
	params.Rows, params.Cols = a.rows, a.cols
	a.mu.Unlock()

	launchCtx, cancel := context.WithTimeout(ctx, a.host.opts.RPCTimeout)
	defer cancel()
	proc, err := a.host.launch(launchCtx, a.manifest)
	if err != nil {
		return err
	}
	extHandle, rows, cols, err := proc.conn.start(launchCtx, params)
	if err != nil {
		proc.stop(a.host.opts.StopGrace)
		return err
	}

	a.mu.Lock()
	a.proc = proc
	a.extHandle = extHandle
	if rows > 0 && cols > 0 {
		a.rows, a.cols = rows, cols
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Input(h adapter.Handle, data []byte) error {
	proc, extHandle, err := a.session(h)
	if err != nil {
		return err
	}
	ctx, cancel := a.callContext()
	defer cancel()
	return proc.conn.input(ctx, extHandle, data)
}

func (a *Adapter) Resize(h adapter.Handle, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	if !a.lifecycle.Is(adapter.StateStreaming) {
		return nil
	}
	proc, extHandle, err := a.session(h)
	if err != nil {
		return err
	}
	ctx, cancel := a.callContext()
	defer cancel()
	if err := proc.conn.resize(ctx, extHandle, rows, cols); err != nil {
		return err
	}
	a.mu.Lock()
	a.rows, a.cols = rows, cols
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Snapshot(ctx context.Context, h adapter.Handle, mode adapter.SnapshotMode) (adapter.Snapshot, error) {
	if !a.manifest.Capabilities.HasHistorySnapshot {
		return adapter.Snapshot{}, fmt.Errorf("extension %s: %w", a.manifest.ID, protocol.ErrNotSupported)
	}
	proc, extHandle, err := a.session(h)
	if err != nil {
		return adapter.Snapshot{}, err
	}
	data, err := proc.conn.capture(ctx, extHandle, mode == adapter.SnapshotAlternate)
	if err != nil {
		return adapter.Snapshot{}, err
	}
	a.mu.Lock()
	rows, cols := a.rows, a.cols
	a.mu.Unlock()
	return adapter.Snapshot{Data: data, Rows: rows, Cols: cols}, nil
}

func (a *Adapter) Stop(ctx context.Context, h adapter.Handle) error {
	a.mu.Lock()
	if h != a.handle || a.handle == "" {
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	proc := a.proc
	extHandle := a.extHandle
	a.mu.Unlock()

	a.lifecycle.Transition(adapter.StateStopping)

	if proc != nil {
		callCtx, cancel := a.callContext()
		proc.conn.stopSession(callCtx, extHandle)
		cancel()
		proc.stop(a.host.opts.StopGrace)
	}

	a.lifecycle.Transition(adapter.StateStopped)
	return nil
}

// ensureProcess launches the extension process on first use.
func (a *Adapter) ensureProcess(ctx context.Context) (*process, error) {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc != nil && !proc.exited() {
		return proc, nil
	}

	proc, err := a.host.launch(ctx, a.manifest)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()
	return proc, nil
}

func (a *Adapter) session(h adapter.Handle) (*process, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h != a.handle || a.handle == "" || a.proc == nil {
		return nil, "", fmt.Errorf("extension %s: unknown handle: %w", a.manifest.ID, protocol.ErrTargetUnavailable)
	}
	return a.proc, a.extHandle, nil
}

func (a *Adapter) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.host.opts.RPCTimeout)
}

func (a *Adapter) emitExit(events chan<- adapter.Event, reason string) {
	a.exitOnce.Do(func() {
		events <- adapter.Event{Type: adapter.EventExit, Reason: reason}
		close(events)
	})
}

func newAdapterHandle() adapter.Handle {
	var b [16]byte
	rand.Read(b[:])
	return adapter.Handle(hex.EncodeToString(b[:]))
}
