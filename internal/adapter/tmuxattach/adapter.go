package tmuxattach

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/protocol"
)

// layoutNotifications are the control-mode notifications that mean the
// pane's geometry may have changed underneath us. Everything else except
// %output is ignored.
var layoutNotifications = []string{
	"%layout-change",
	"%window-add",
	"%window-close",
	"%window-renamed",
	"%unlinked-window-close",
}

type Adapter struct {
	lifecycle adapter.Lifecycle
	run       runner
	policy    *signalPolicy
	stopGrace time.Duration

	mu          sync.Mutex
	handle      adapter.Handle
	paneID      string
	sessionName string
	rows        int
	cols        int
	proc        *exec.Cmd
	stdin       io.WriteCloser
	streaming   bool
	stopped     bool

	exitOnce sync.Once
	procDone chan struct{}

	// sendMu orders deferred fallback sends against the channel close in
	// emitExit; the capture timer can outlive the control-mode client.
	sendMu       sync.Mutex
	eventsClosed bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRunner substitutes the one-shot tmux command runner. Tests inject
// fakes through this.
func WithRunner(r runner) Option {
	return func(a *Adapter) { a.run = r }
}

// WithPolicyTimings overrides the signal-translation policy windows.
func WithPolicyTimings(reclaim, fallback, throttle time.Duration) Option {
	return func(a *Adapter) { a.policy = newSignalPolicy(reclaim, fallback, throttle) }
}

// WithStopGrace bounds how long Stop waits for the control-mode client
// to detach before killing it.
func WithStopGrace(d time.Duration) Option {
	return func(a *Adapter) { a.stopGrace = d }
}

func New(options ...Option) *Adapter {
	a := &Adapter{
		run:       execRunner{},
		policy:    newSignalPolicy(0, 0, 0),
		stopGrace: 3 * time.Second,
		procDone:  make(chan struct{}),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		CanAttach:                true,
		CanListTargets:           true,
		HasHistorySnapshot:       true,
		HasNativeLayoutEvents:    true,
		SupportsSharedInput:      true,
		SupportsControllerResize: true,
		SupportsRestoreOnStop:    true,
	}
}

// Discover lists every pane on the local tmux server. filter, when
// non-empty, is a substring match against the pane's title or current
// command.
func (a *Adapter) Discover(ctx context.Context, filter string) ([]adapter.Target, error) {
	a.lifecycle.Transition(adapter.StateDiscovering)
	defer func() {
		if a.lifecycle.Is(adapter.StateDiscovering) {
			a.lifecycle.Transition(adapter.StateUninitialized)
		}
	}()

	panes, err := listPanes(a.run)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrTargetUnavailable, err)
	}

	targets := make([]adapter.Target, 0, len(panes))
	for _, p := range panes {
		if filter != "" && !strings.Contains(p.Title, filter) && !strings.Contains(p.Command, filter) {
			continue
		}
		targets = append(targets, adapter.Target{
			ID:         p.PaneID,
			SourceType: adapter.SourceAttach,
			Rows:       p.Rows,
			Cols:       p.Cols,
			Title:      p.Title,
			Command:    p.Command,
		})
	}
	return targets, nil
}

// Bind resolves the target pane, applies the nested-share guard, and
// marks the pane as relay-managed for the duration of the session.
func (a *Adapter) Bind(ctx context.Context, req adapter.BindRequest) (adapter.Bound, error) {
	if req.TargetID == "" {
		return adapter.Bound{}, fmt.Errorf("tmux: target required: %w", protocol.ErrTargetUnavailable)
	}

	a.mu.Lock()
	already := a.handle != ""
	a.mu.Unlock()
	if already {
		return adapter.Bound{}, fmt.Errorf("tmux: %w", protocol.ErrAlreadyManaged)
	}

	paneID, err := displayMessage(a.run, req.TargetID, "#{pane_id}")
	if err != nil || paneID == "" {
		return adapter.Bound{}, fmt.Errorf("tmux: pane %s: %w", req.TargetID, protocol.ErrTargetUnavailable)
	}
	sessionName, err := displayMessage(a.run, req.TargetID, "#{session_name}")
	if err != nil || sessionName == "" {
		return adapter.Bound{}, fmt.Errorf("tmux: pane %s: %w", req.TargetID, protocol.ErrTargetUnavailable)
	}

	if !req.AllowNested {
		origin, err := paneOption(a.run, paneID, relayOriginOption)
		if err != nil {
			return adapter.Bound{}, fmt.Errorf("tmux: inspect pane %s: %w", paneID, err)
		}
		if origin != "" {
			return adapter.Bound{}, fmt.Errorf("tmux: pane %s managed by relay %s: %w",
				paneID, origin, protocol.ErrAlreadyManaged)
		}
	}

	handle := newHandle()
	if _, err := a.run.Output("set-option", "-p", "-t", paneID, relayOriginOption, string(handle)); err != nil {
		return adapter.Bound{}, fmt.Errorf("tmux: mark pane %s: %w", paneID, err)
	}

	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	if err := a.lifecycle.Transition(adapter.StateBound); err != nil {
		a.run.Output("set-option", "-pu", "-t", paneID, relayOriginOption)
		return adapter.Bound{}, err
	}

	a.mu.Lock()
	a.handle = handle
	a.paneID = paneID
	a.sessionName = sessionName
	a.rows = rows
	a.cols = cols
	a.mu.Unlock()

	return adapter.Bound{Handle: handle, Rows: rows, Cols: cols}, nil
}

// StartStreaming attaches a control-mode client to the pane's session.
// Control-mode clients do not participate in tmux window-size
// negotiation, so attaching does not constrain real clients.
func (a *Adapter) StartStreaming(ctx context.Context, h adapter.Handle, events chan<- adapter.Event) error {
	a.mu.Lock()
	if h != a.handle || a.handle == "" {
		a.mu.Unlock()
		return fmt.Errorf("tmux: unknown handle: %w", protocol.ErrTargetUnavailable)
	}
	sessionName := a.sessionName
	rows, cols := a.rows, a.cols
	a.mu.Unlock()

	path, err := exec.LookPath("tmux")
	if err != nil {
		return fmt.Errorf("tmux not found: %w", err)
	}

	proc := exec.Command(path, "-C", "attach-session", "-t", sessionName)
	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("tmux control stdin: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tmux control stdout: %w", err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start tmux control client: %w", err)
	}

	if err := a.lifecycle.Transition(adapter.StateStreaming); err != nil {
		proc.Process.Kill()
		proc.Wait()
		return err
	}

	a.mu.Lock()
	a.proc = proc
	a.stdin = stdin
	a.streaming = true
	a.mu.Unlock()

	// Initial client size; refresh-client -C adjusts only this client's
	// reported size, never the session's persistent window-size policy.
	a.sendCommand(fmt.Sprintf("refresh-client -C %dx%d", cols, rows))

	go func() {
		<-ctx.Done()
		a.closeControl()
	}()
	go a.readLoop(stdout, events)
	return nil
}

// readLoop consumes the control-mode notification stream until the
// subprocess exits.
func (a *Adapter) readLoop(stdout io.Reader, events chan<- adapter.Event) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if payload, ok := a.matchOutput(line); ok {
			a.policy.onOutput()
			if len(payload) > 0 {
				events <- adapter.Event{Type: adapter.EventOutput, Data: payload}
			}
			continue
		}
		if isLayoutNotification(line) {
			a.handleLayoutSignal(events)
		}
	}

	a.mu.Lock()
	proc := a.proc
	stopped := a.stopped
	a.streaming = false
	a.mu.Unlock()

	reason := "tmux control client disconnected"
	if proc != nil {
		err := proc.Wait()
		if stopped || err == nil {
			reason = "EOF"
		} else {
			reason = fmt.Sprintf("tmux control client exited: %v", err)
		}
	}
	close(a.procDone)
	a.emitExit(events, reason)
}

// matchOutput parses a %output notification, returning the decoded
// payload when it belongs to the bound pane. Output for other panes does
// not match: it must not cancel this pane's pending fallback capture.
func (a *Adapter) matchOutput(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("%output "))
	if !ok {
		return nil, false
	}
	pane, payload, ok := bytes.Cut(rest, []byte(" "))
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	match := string(pane) == a.paneID
	a.mu.Unlock()
	if !match {
		return nil, false
	}
	return decodeOctal(payload), true
}

func isLayoutNotification(line []byte) bool {
	for _, prefix := range layoutNotifications {
		if bytes.HasPrefix(line, []byte(prefix)) {
			return true
		}
	}
	return false
}

// handleLayoutSignal converts a layout notification into protocol
// actions under the policy: a cooldown-gated local control claim, plus a
// deferred fallback capture that fires only if no native output arrives
// first.
func (a *Adapter) handleLayoutSignal(events chan<- adapter.Event) {
	if a.policy.onLayoutChange(time.Now()) {
		events <- adapter.Event{Type: adapter.EventLocalClaim}
	}

	delay := a.policy.fallbackDelay
	time.AfterFunc(delay+5*time.Millisecond, func() {
		if !a.policy.fallbackDue(time.Now()) {
			return
		}
		a.mu.Lock()
		h := a.handle
		streaming := a.streaming
		a.mu.Unlock()
		if !streaming {
			return
		}
		snap, err := a.Snapshot(context.Background(), h, adapter.SnapshotPrimary)
		if err != nil || len(snap.Data) == 0 {
			return
		}
		a.sendFallback(events, snap.Data)
	})
}

// sendFallback delivers a deferred capture unless the stream has already
// ended.
func (a *Adapter) sendFallback(events chan<- adapter.Event, data []byte) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.eventsClosed {
		return
	}
	events <- adapter.Event{Type: adapter.EventOutput, Data: data}
}

// Input forwards keyboard bytes through the control client as hex-coded
// send-keys, preserving byte order.
func (a *Adapter) Input(h adapter.Handle, data []byte) error {
	a.mu.Lock()
	valid := h == a.handle && a.stdin != nil
	paneID := a.paneID
	a.mu.Unlock()
	if !valid {
		return fmt.Errorf("tmux: unknown handle: %w", protocol.ErrTargetUnavailable)
	}

	const chunk = 64
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		var b strings.Builder
		b.WriteString("send-keys -t ")
		b.WriteString(paneID)
		b.WriteString(" -H")
		for _, c := range data[:n] {
			fmt.Fprintf(&b, " %02x", c)
		}
		if err := a.sendCommand(b.String()); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Resize adjusts this control client's reported size. Ignored unless
// streaming; tmux clamps the pane to the smallest attached client, and
// refresh-client -C leaves the session's window-size mode untouched so
// simultaneous local viewers stay in sync.
func (a *Adapter) Resize(h adapter.Handle, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	if !a.lifecycle.Is(adapter.StateStreaming) {
		return nil
	}
	a.mu.Lock()
	valid := h == a.handle
	if valid {
		a.rows, a.cols = rows, cols
	}
	a.mu.Unlock()
	if !valid {
		return fmt.Errorf("tmux: unknown handle: %w", protocol.ErrTargetUnavailable)
	}
	return a.sendCommand(fmt.Sprintf("refresh-client -C %dx%d", cols, rows))
}

// Snapshot captures the pane's full buffer with escape sequences.
// Newlines become CRLF so the capture replays correctly on a raw
// terminal.
func (a *Adapter) Snapshot(ctx context.Context, h adapter.Handle, mode adapter.SnapshotMode) (adapter.Snapshot, error) {
	a.mu.Lock()
	valid := h == a.handle && a.handle != ""
	paneID := a.paneID
	rows, cols := a.rows, a.cols
	a.mu.Unlock()
	if !valid {
		return adapter.Snapshot{}, fmt.Errorf("tmux: unknown handle: %w", protocol.ErrTargetUnavailable)
	}

	args := []string{"capture-pane", "-t", paneID, "-e", "-p", "-S", "-", "-E", "-"}
	if mode == adapter.SnapshotAlternate {
		args = append(args, "-a")
	}
	out, err := a.run.Output(args...)
	if err != nil {
		return adapter.Snapshot{}, fmt.Errorf("tmux capture-pane: %w", err)
	}

	return adapter.Snapshot{
		Data: bytes.ReplaceAll(out, []byte("\n"), []byte("\r\n")),
		Rows: rows,
		Cols: cols,
	}, nil
}

// Stop detaches: clears the relay-managed marker, closes the control
// client gracefully, and escalates to SIGKILL after the grace period.
// The pane itself is left exactly as it was.
func (a *Adapter) Stop(ctx context.Context, h adapter.Handle) error {
	a.mu.Lock()
	if h != a.handle || a.handle == "" {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	proc := a.proc
	paneID := a.paneID
	streaming := a.streaming
	a.mu.Unlock()

	a.lifecycle.Transition(adapter.StateStopping)

	a.run.Output("set-option", "-pu", "-t", paneID, relayOriginOption)

	if proc == nil || !streaming {
		a.lifecycle.Transition(adapter.StateStopped)
		return nil
	}

	a.closeControl()
	select {
	case <-a.procDone:
	case <-time.After(a.stopGrace):
		proc.Process.Kill()
		<-a.procDone
	case <-ctx.Done():
		proc.Process.Kill()
		<-a.procDone
	}

	a.lifecycle.Transition(adapter.StateStopped)
	return nil
}

// sendCommand writes one command line to the control client.
func (a *Adapter) sendCommand(cmd string) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("tmux: control client not running: %w", protocol.ErrBackendDisconnected)
	}
	_, err := io.WriteString(stdin, cmd+"\n")
	return err
}

// closeControl asks the control client to exit: closing its stdin makes
// tmux detach, and SIGINT covers clients stuck before attach completes.
func (a *Adapter) closeControl() {
	a.mu.Lock()
	stdin := a.stdin
	proc := a.proc
	a.stdin = nil
	a.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if proc != nil && proc.Process != nil {
		proc.Process.Signal(syscall.SIGINT)
	}
}

func (a *Adapter) emitExit(events chan<- adapter.Event, reason string) {
	a.exitOnce.Do(func() {
		events <- adapter.Event{Type: adapter.EventExit, Reason: reason}
		a.sendMu.Lock()
		a.eventsClosed = true
		close(events)
		a.sendMu.Unlock()
	})
}

func newHandle() adapter.Handle {
	var b [16]byte
	rand.Read(b[:])
	return adapter.Handle(hex.EncodeToString(b[:]))
}
