// Package relay wires the pieces into running sessions: it binds adapters,
// starts runners, and registers them with the hub and the session registry.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/hub"
	"github.com/term-relay/backend/internal/protocol"
	"github.com/term-relay/backend/internal/session"
)

// BackendFactory builds a fresh adapter instance. Adapters are
// single-session, so every open gets its own instance.
type BackendFactory func() (adapter.Adapter, error)

// Manager implements the hub's Opener surface: it turns open requests
// into bound adapters with running session pumps.
type Manager struct {
	hub          *hub.Hub
	registry     *session.Registry
	historyBytes int

	mu        sync.Mutex
	factories map[string]BackendFactory
}

func NewManager(h *hub.Hub, reg *session.Registry, historyBytes int) *Manager {
	return &Manager{
		hub:          h,
		registry:     reg,
		historyBytes: historyBytes,
		factories:    make(map[string]BackendFactory),
	}
}

// RegisterBackend makes a backend available under name ("spawn", "tmux",
// or an extension id).
func (m *Manager) RegisterBackend(name string, f BackendFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// Backends lists registered backend names, sorted.
func (m *Manager) Backends() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) factory(name string) (BackendFactory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", protocol.ErrTargetUnavailable, name)
	}
	return f, nil
}

// OpenSession binds a backend and starts streaming. The session is live
// and subscribable once this returns.
func (m *Manager) OpenSession(ctx context.Context, req hub.OpenRequest) (string, error) {
	f, err := m.factory(req.Backend)
	if err != nil {
		return "", err
	}
	a, err := f()
	if err != nil {
		return "", fmt.Errorf("backend %s: %w", req.Backend, err)
	}

	bound, err := a.Bind(ctx, adapter.BindRequest{
		TargetID:     req.Target,
		SpawnCommand: req.Command,
		Rows:         req.Rows,
		Cols:         req.Cols,
		Term:         req.Term,
		AllowNested:  req.AllowNested,
	})
	if err != nil {
		return "", err
	}

	id := newSessionID()
	runner := session.NewRunner(id, a, bound, m.hub, m.historyBytes)
	if err := m.hub.AddSession(id, runner); err != nil {
		a.Stop(ctx, bound.Handle)
		return "", err
	}
	m.registry.Add(runner)

	if err := runner.Start(ctx); err != nil {
		m.registry.Remove(id)
		m.hub.SessionClosed(id, "failed to start")
		a.Stop(ctx, bound.Handle)
		return "", err
	}

	// Registry entries live as long as the pump. The hub side is removed
	// by the runner's own SessionClosed call.
	go func() {
		<-runner.Done()
		m.registry.Remove(id)
	}()

	log.Printf("session %s opened (backend %s, %dx%d)", id, req.Backend, bound.Rows, bound.Cols)
	return id, nil
}

// CloseSession stops a running session. The terminal exit broadcast
// happens on the runner's event path, not here.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	runner, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", protocol.ErrTargetUnavailable, sessionID)
	}
	return runner.Stop(ctx)
}

// ListTargets asks a backend for its discoverable sources.
func (m *Manager) ListTargets(ctx context.Context, backend, filter string) ([]adapter.Target, error) {
	f, err := m.factory(backend)
	if err != nil {
		return nil, err
	}
	a, err := f()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", backend, err)
	}
	return a.Discover(ctx, filter)
}

// Shutdown stops every running session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, id := range m.registry.IDs() {
		if runner, ok := m.registry.Get(id); ok {
			if err := runner.Stop(ctx); err != nil {
				log.Printf("session %s: stop failed: %v", id, err)
			}
		}
	}
}

func newSessionID() string {
	var b [8]byte
	rand.Read(b[:])
	return "sess-" + hex.EncodeToString(b[:])
}
