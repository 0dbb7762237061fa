package extension

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Options tunes the host's supervision behavior.
type Options struct {
	// Allowlist restricts which entry binaries may be launched. Empty
	// means any manifest entry is allowed (development mode).
	Allowlist []string

	// RPCTimeout bounds every rpc-v1 round trip and the simple-io
	// ready wait.
	RPCTimeout time.Duration

	// HealthInterval is the heartbeat period.
	HealthInterval time.Duration

	// MaxRestarts within RestartWindow before an extension's session
	// is declared dead.
	MaxRestarts   int
	RestartWindow time.Duration

	// StopGrace bounds graceful shutdown before SIGKILL.
	StopGrace time.Duration
}

func (o *Options) fillDefaults() {
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 3
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 30 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 3 * time.Second
	}
}

// Host owns every extension process: it is the only component permitted
// to launch, signal, or restart one. The registry is lifecycle-bound:
// created at service start, torn down by Close.
type Host struct {
	opts Options

	mu     sync.Mutex
	procs  map[*process]struct{}
	closed bool
}

func NewHost(opts Options) *Host {
	opts.fillDefaults()
	return &Host{
		opts:  opts,
		procs: make(map[*process]struct{}),
	}
}

// Close stops every live extension process.
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	procs := make([]*process, 0, len(h.procs))
	for p := range h.procs {
		procs = append(procs, p)
	}
	h.mu.Unlock()

	for _, p := range procs {
		p.stop(h.opts.StopGrace)
	}
}

// process is one supervised extension process: manifest, handle, conn,
// and health. The process handle is host-owned; nothing else signals it.
type process struct {
	host     *Host
	manifest Manifest
	cmd      *exec.Cmd
	conn     conn
	health   *healthState

	waitDone chan struct{}

	stopMu  sync.Mutex
	stopped bool

	healthCancel context.CancelFunc
}

// launch starts one extension process and performs protocol setup
// (hello for rpc-v1). The process runs with a minimal environment and
// its own process group.
func (h *Host) launch(ctx context.Context, m Manifest) (*process, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("extension host is shut down")
	}
	h.mu.Unlock()

	if err := h.checkAllowlist(m); err != nil {
		return nil, err
	}

	cmd := exec.Command(m.Entry[0], m.Entry[1:]...)
	cmd.Env = minimalEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("extension %s stdin: %w", m.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("extension %s stdout: %w", m.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("extension %s stderr: %w", m.ID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch extension %s: %w", m.ID, err)
	}

	p := &process{
		host:     h,
		manifest: m,
		cmd:      cmd,
		health:   newHealthState(),
		waitDone: make(chan struct{}),
	}

	onViolation := func(err error) {
		log.Printf("extension %s: %v", m.ID, err)
		p.health.recordFailure(err)
	}
	switch m.Adapter.Type {
	case ProtocolSimpleIOV1:
		p.conn = newSimpleConn(stdin, stdout, h.opts.RPCTimeout, onViolation)
	default:
		p.conn = newRPCConn(stdin, stdout, h.opts.RPCTimeout, onViolation)
	}

	// Extension stderr goes to the host log, line by line.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("extension %s: stderr: %s", m.ID, scanner.Text())
		}
	}()

	go func() {
		cmd.Wait()
		close(p.waitDone)
		h.mu.Lock()
		delete(h.procs, p)
		h.mu.Unlock()
	}()

	if rpc, ok := p.conn.(*rpcConn); ok {
		reply, err := rpc.hello(ctx)
		if err != nil {
			p.stop(h.opts.StopGrace)
			return nil, fmt.Errorf("extension %s hello: %w", m.ID, err)
		}
		if reply.ID != m.ID {
			log.Printf("extension %s: hello id mismatch (%s), using manifest", m.ID, reply.ID)
		}
	}

	h.mu.Lock()
	h.procs[p] = struct{}{}
	h.mu.Unlock()

	healthCtx, cancel := context.WithCancel(context.Background())
	p.healthCancel = cancel
	go p.healthLoop(healthCtx, h.opts.HealthInterval)

	log.Printf("extension %s launched (pid %d, %s)", m.ID, cmd.Process.Pid, m.Adapter.Type)
	return p, nil
}

func (h *Host) checkAllowlist(m Manifest) error {
	if len(h.opts.Allowlist) == 0 {
		return nil
	}
	for _, allowed := range h.opts.Allowlist {
		if m.Entry[0] == allowed {
			return nil
		}
	}
	return fmt.Errorf("extension %s: entry %q not in allowlist", m.ID, m.Entry[0])
}

// healthLoop heartbeats the extension: an rpc-v1 health call (or conn
// liveness for simple-io) plus a gopsutil liveness and resource sample.
// Failures accumulate in the health state; once the status reaches
// failed, the loop stops the process. The adapter layer sees the
// resulting conn closure as a crash and the restart budget decides
// whether a replacement is launched.
func (p *process) healthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.waitDone:
			return
		case <-ticker.C:
		}

		cpu, rss, alive := sampleProcess(p.cmd.Process.Pid)
		if !alive {
			p.health.recordFailure(fmt.Errorf("process not running"))
			if p.recycleIfFailed() {
				return
			}
			continue
		}
		p.health.recordSample(cpu, rss)

		callCtx, cancel := context.WithTimeout(ctx, interval)
		err := p.conn.health(callCtx)
		cancel()
		if err != nil {
			p.health.recordFailure(err)
			log.Printf("extension %s: health check failed: %v", p.manifest.ID, err)
			if p.recycleIfFailed() {
				return
			}
			continue
		}
		p.health.recordSuccess()
	}
}

// recycleIfFailed stops the process once the health state crosses the
// failure threshold, reporting whether it did.
func (p *process) recycleIfFailed() bool {
	if p.health.status() != StatusFailed {
		return false
	}
	log.Printf("extension %s: health failed (%s), stopping process", p.manifest.ID, p.health.lastError())
	p.stop(p.host.opts.StopGrace)
	return true
}

// stop shuts the process down: protocol-level shutdown (closing stdin),
// a bounded grace wait, then SIGKILL to the process group.
func (p *process) stop(grace time.Duration) {
	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		<-p.waitDone
		return
	}
	p.stopped = true
	p.stopMu.Unlock()

	if p.healthCancel != nil {
		p.healthCancel()
	}
	p.conn.shutdown()

	select {
	case <-p.waitDone:
	case <-time.After(grace):
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-p.waitDone
	}
}

// exited reports whether the process has terminated.
func (p *process) exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

func newHealthState() *healthState {
	return &healthState{}
}

// minimalEnv is the least-privilege environment extensions run with:
// enough to find interpreters and write temp files, nothing else from
// the host's environment.
func minimalEnv() []string {
	env := []string{"TERM=xterm-256color"}
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if value := os.Getenv(key); value != "" {
			env = append(env, key+"="+value)
		}
	}
	return env
}
