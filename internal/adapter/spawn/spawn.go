// Package spawn implements the in-process spawn adapter: a fresh process
// started on a new PTY via creack/pty. One adapter instance manages one
// session.
package spawn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/protocol"
)

const defaultTerm = "xterm-256color"

type Adapter struct {
	lifecycle adapter.Lifecycle
	stopGrace time.Duration

	mu        sync.Mutex
	handle    adapter.Handle
	cmd       *exec.Cmd
	ptmx      *os.File
	rows      int
	cols      int
	streaming bool

	exitOnce sync.Once
	procDone chan struct{}
}

// New returns a spawn adapter. stopGrace bounds how long Stop waits for
// graceful termination before escalating to SIGKILL.
func New(stopGrace time.Duration) *Adapter {
	if stopGrace <= 0 {
		stopGrace = 3 * time.Second
	}
	return &Adapter{stopGrace: stopGrace, procDone: make(chan struct{})}
}

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		CanSpawn:                 true,
		SupportsSharedInput:      true,
		SupportsControllerResize: true,
	}
}

// Discover is unsupported: a spawn adapter creates its target rather
// than finding one.
func (a *Adapter) Discover(ctx context.Context, filter string) ([]adapter.Target, error) {
	return nil, fmt.Errorf("spawn: %w", protocol.ErrNotSupported)
}

func (a *Adapter) Bind(ctx context.Context, req adapter.BindRequest) (adapter.Bound, error) {
	if len(req.SpawnCommand) == 0 {
		return adapter.Bound{}, fmt.Errorf("spawn: command required: %w", protocol.ErrTargetUnavailable)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != "" {
		return adapter.Bound{}, fmt.Errorf("spawn: %w", protocol.ErrAlreadyManaged)
	}

	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	term := req.Term
	if term == "" {
		term = defaultTerm
	}

	cmd := exec.Command(req.SpawnCommand[0], req.SpawnCommand[1:]...)
	cmd.Env = append(os.Environ(), "TERM="+term)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return adapter.Bound{}, fmt.Errorf("spawn %q: %w", req.SpawnCommand[0], err)
	}

	if err := a.lifecycle.Transition(adapter.StateBound); err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return adapter.Bound{}, err
	}

	a.handle = newHandle()
	a.cmd = cmd
	a.ptmx = ptmx
	a.rows = rows
	a.cols = cols

	return adapter.Bound{Handle: a.handle, Rows: rows, Cols: cols}, nil
}

func (a *Adapter) StartStreaming(ctx context.Context, h adapter.Handle, events chan<- adapter.Event) error {
	a.mu.Lock()
	ptmx := a.ptmx
	valid := h == a.handle && ptmx != nil
	a.mu.Unlock()
	if !valid {
		return fmt.Errorf("spawn: unknown handle: %w", protocol.ErrTargetUnavailable)
	}

	if err := a.lifecycle.Transition(adapter.StateStreaming); err != nil {
		return err
	}
	a.mu.Lock()
	a.streaming = true
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Unblocks the read loop; the exit path runs there.
		ptmx.Close()
	}()

	go a.readLoop(ptmx, events)
	return nil
}

// readLoop copies PTY output into events. A trailing incomplete UTF-8
// sequence is held back to the next read so multi-byte characters are
// never split across frames.
func (a *Adapter) readLoop(ptmx *os.File, events chan<- adapter.Event) {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if len(pending) > 0 {
				chunk = append(pending, chunk...)
				pending = nil
			}
			if tail := incompleteUTF8Tail(chunk); tail > 0 {
				pending = append([]byte(nil), chunk[len(chunk)-tail:]...)
				chunk = chunk[:len(chunk)-tail]
			}
			if len(chunk) > 0 {
				events <- adapter.Event{Type: adapter.EventOutput, Data: append([]byte(nil), chunk...)}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				events <- adapter.Event{Type: adapter.EventOutput, Data: pending}
			}
			break
		}
	}

	state, _ := a.cmd.Process.Wait()
	close(a.procDone)
	reason := "process exited"
	if state != nil {
		reason = fmt.Sprintf("process exited with code %d", state.ExitCode())
	}
	a.emitExit(events, reason)
}

func (a *Adapter) emitExit(events chan<- adapter.Event, reason string) {
	a.exitOnce.Do(func() {
		events <- adapter.Event{Type: adapter.EventExit, Reason: reason}
		close(events)
	})
}

func (a *Adapter) Input(h adapter.Handle, data []byte) error {
	a.mu.Lock()
	ptmx := a.ptmx
	valid := h == a.handle && ptmx != nil
	a.mu.Unlock()
	if !valid {
		return fmt.Errorf("spawn: unknown handle: %w", protocol.ErrTargetUnavailable)
	}
	_, err := ptmx.Write(data)
	return err
}

func (a *Adapter) Resize(h adapter.Handle, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	if !a.lifecycle.Is(adapter.StateStreaming) {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if h != a.handle || a.ptmx == nil {
		return fmt.Errorf("spawn: unknown handle: %w", protocol.ErrTargetUnavailable)
	}
	a.rows, a.cols = rows, cols
	return pty.Setsize(a.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Snapshot is unsupported: a PTY has no retrievable screen buffer. The
// runner's history cache covers subscriber catch-up instead.
func (a *Adapter) Snapshot(ctx context.Context, h adapter.Handle, mode adapter.SnapshotMode) (adapter.Snapshot, error) {
	return adapter.Snapshot{}, fmt.Errorf("spawn: %w", protocol.ErrNotSupported)
}

// Stop terminates the process: SIGTERM, bounded grace, then SIGKILL.
func (a *Adapter) Stop(ctx context.Context, h adapter.Handle) error {
	a.mu.Lock()
	if h != a.handle || a.handle == "" {
		a.mu.Unlock()
		return nil
	}
	cmd := a.cmd
	ptmx := a.ptmx
	a.ptmx = nil
	a.mu.Unlock()
	if cmd == nil {
		return nil
	}

	a.lifecycle.Transition(adapter.StateStopping)

	if ptmx != nil {
		ptmx.Close()
	}

	if !a.streamed() {
		// Never streamed: no read loop to reap the child.
		cmd.Process.Kill()
		cmd.Wait()
		a.lifecycle.Transition(adapter.StateStopped)
		return nil
	}
	cmd.Process.Signal(syscall.SIGTERM)

	// The read loop owns the process wait; procDone closes once the
	// child has been reaped.
	select {
	case <-a.procDone:
	case <-time.After(a.stopGrace):
		cmd.Process.Kill()
		<-a.procDone
	case <-ctx.Done():
		cmd.Process.Kill()
		<-a.procDone
	}

	a.lifecycle.Transition(adapter.StateStopped)
	return nil
}

// incompleteUTF8Tail returns how many trailing bytes form an incomplete
// multi-byte UTF-8 sequence and should be held back until more data
// arrives.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	for i := 0; i < 4 && i < n; i++ {
		b := data[n-1-i]
		if b&0xC0 != 0x80 {
			var seqLen int
			switch {
			case b&0xE0 == 0xC0:
				seqLen = 2
			case b&0xF0 == 0xE0:
				seqLen = 3
			case b&0xF8 == 0xF0:
				seqLen = 4
			default:
				return 0
			}
			if have := i + 1; have < seqLen {
				return have
			}
			return 0
		}
	}
	return 0
}

func (a *Adapter) streamed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

func newHandle() adapter.Handle {
	var b [16]byte
	rand.Read(b[:])
	return adapter.Handle(hex.EncodeToString(b[:]))
}
