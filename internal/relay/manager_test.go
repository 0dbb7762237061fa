package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/adapter/adaptertest"
	"github.com/term-relay/backend/internal/hub"
	"github.com/term-relay/backend/internal/protocol"
	"github.com/term-relay/backend/internal/session"
)

func newTestManager(t *testing.T) (*Manager, *hub.Hub, *adaptertest.Fake) {
	t.Helper()
	h := hub.New()
	m := NewManager(h, session.NewRegistry(), 1024)
	fake := adaptertest.New()
	m.RegisterBackend("fake", func() (adapter.Adapter, error) { return fake, nil })
	return m, h, fake
}

func TestOpenSessionUnknownBackend(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.OpenSession(context.Background(), hub.OpenRequest{Backend: "nope"})
	if !errors.Is(err, protocol.ErrTargetUnavailable) {
		t.Fatalf("OpenSession err = %v, want ErrTargetUnavailable", err)
	}
}

func TestOpenSessionWiresHubAndRegistry(t *testing.T) {
	m, h, fake := newTestManager(t)

	id, err := m.OpenSession(context.Background(), hub.OpenRequest{
		Backend: "fake",
		Command: []string{"bash"},
		Rows:    24,
		Cols:    80,
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	if controller, ok := h.Controller(id); !ok || controller != protocol.LocalController {
		t.Fatalf("controller = %q, %v; want local", controller, ok)
	}

	// Output flows through to a subscriber.
	sub, err := h.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-sub.Send // subscribed handshake
	fake.EmitOutput([]byte("hi"))
	select {
	case frame := <-sub.Send:
		msg, err := protocol.Decode(frame)
		if err != nil || msg.Type != protocol.MsgOutput {
			t.Fatalf("frame = %s (err %v)", frame, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no output frame delivered")
	}
}

func TestSessionRemovedAfterExit(t *testing.T) {
	m, h, fake := newTestManager(t)

	id, err := m.OpenSession(context.Background(), hub.OpenRequest{Backend: "fake", Command: []string{"x"}})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	fake.EmitExit("done")

	deadline := time.After(time.Second)
	for {
		if len(h.SessionIDs()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session still registered after exit")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := m.CloseSession(context.Background(), id); !errors.Is(err, protocol.ErrTargetUnavailable) {
		t.Fatalf("CloseSession after exit err = %v, want ErrTargetUnavailable", err)
	}
}

func TestCloseSessionStopsAdapter(t *testing.T) {
	m, _, fake := newTestManager(t)

	id, err := m.OpenSession(context.Background(), hub.OpenRequest{Backend: "fake", Command: []string{"x"}})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := m.CloseSession(context.Background(), id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if !fake.Stopped() {
		t.Fatal("adapter not stopped")
	}
}

func TestOpenSessionBindFailure(t *testing.T) {
	m, h, fake := newTestManager(t)
	fake.BindErr = protocol.ErrAlreadyManaged

	_, err := m.OpenSession(context.Background(), hub.OpenRequest{Backend: "fake", Command: []string{"x"}})
	if !errors.Is(err, protocol.ErrAlreadyManaged) {
		t.Fatalf("OpenSession err = %v, want ErrAlreadyManaged", err)
	}
	if len(h.SessionIDs()) != 0 {
		t.Fatal("failed bind left a session registered")
	}
}

func TestListTargets(t *testing.T) {
	m, _, fake := newTestManager(t)
	fake.Caps.CanListTargets = true
	fake.Targets = []adapter.Target{{ID: "%1", SourceType: adapter.SourceAttach}}

	targets, err := m.ListTargets(context.Background(), "fake", "")
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].ID != "%1" {
		t.Fatalf("targets = %+v", targets)
	}
}

func TestBackendsSorted(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RegisterBackend("alpha", func() (adapter.Adapter, error) { return adaptertest.New(), nil })

	got := m.Backends()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "fake" {
		t.Fatalf("Backends() = %v, want [alpha fake]", got)
	}
}
