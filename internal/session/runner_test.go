package session

import (
	"context"
	"testing"
	"time"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/adapter/adaptertest"
)

// fakeSink records hub-side calls on channels so tests can wait for the
// pump goroutine without polling.
type fakeSink struct {
	outputs  chan []byte
	reclaims chan string
	closedCh chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		outputs:  make(chan []byte, 16),
		reclaims: make(chan string, 16),
		closedCh: make(chan string, 1),
	}
}

func (s *fakeSink) BroadcastOutput(sessionID string, data []byte) {
	s.outputs <- append([]byte(nil), data...)
}

func (s *fakeSink) ReclaimLocal(sessionID string) {
	s.reclaims <- sessionID
}

func (s *fakeSink) SessionClosed(sessionID, reason string) {
	s.closedCh <- reason
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func startRunner(t *testing.T, fake *adaptertest.Fake, sink *fakeSink) *Runner {
	t.Helper()
	bound, err := fake.Bind(context.Background(), adapter.BindRequest{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	r := NewRunner("s1", fake, bound, sink, 1024)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r
}

func TestRunnerForwardsOutputInOrder(t *testing.T) {
	fake := adaptertest.New()
	sink := newFakeSink()
	r := startRunner(t, fake, sink)

	fake.EmitOutput([]byte("one"))
	fake.EmitOutput([]byte("two"))

	for _, want := range []string{"one", "two"} {
		if got := recv(t, sink.outputs, "output"); string(got) != want {
			t.Fatalf("output = %q, want %q", got, want)
		}
	}

	fake.EmitExit("done")
	<-r.Done()

	history, _, _ := r.HistorySnapshot()
	if string(history) != "onetwo" {
		t.Fatalf("history = %q, want %q", history, "onetwo")
	}
}

func TestRunnerSeedsHistoryFromSnapshot(t *testing.T) {
	fake := adaptertest.New()
	fake.Caps.HasHistorySnapshot = true
	fake.SnapshotData = []byte("screen as it was")
	sink := newFakeSink()
	r := startRunner(t, fake, sink)

	history, rows, cols := r.HistorySnapshot()
	if string(history) != "screen as it was" {
		t.Fatalf("history = %q, want snapshot contents", history)
	}
	if rows != 24 || cols != 80 {
		t.Fatalf("dims = %dx%d, want 24x80", rows, cols)
	}
}

func TestRunnerLocalClaimReachesSink(t *testing.T) {
	fake := adaptertest.New()
	sink := newFakeSink()
	startRunner(t, fake, sink)

	fake.EmitLocalClaim()

	if got := recv(t, sink.reclaims, "reclaim"); got != "s1" {
		t.Fatalf("ReclaimLocal session = %q, want s1", got)
	}
}

func TestRunnerExitReportsReason(t *testing.T) {
	fake := adaptertest.New()
	sink := newFakeSink()
	r := startRunner(t, fake, sink)

	fake.EmitExit("process exited with code 0")

	if got := recv(t, sink.closedCh, "session close"); got != "process exited with code 0" {
		t.Fatalf("close reason = %q", got)
	}
	<-r.Done()
}

func TestRunnerStreamClosedWithoutExit(t *testing.T) {
	fake := adaptertest.New()
	sink := newFakeSink()
	r := startRunner(t, fake, sink)

	fake.CloseStream()

	if got := recv(t, sink.closedCh, "session close"); got != "adapter stream closed" {
		t.Fatalf("close reason = %q, want %q", got, "adapter stream closed")
	}
	<-r.Done()
}

func TestRunnerResizeRecordsDimensions(t *testing.T) {
	fake := adaptertest.New()
	sink := newFakeSink()
	r := startRunner(t, fake, sink)

	if err := r.Resize(40, 120); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	_, rows, cols := r.HistorySnapshot()
	if rows != 40 || cols != 120 {
		t.Fatalf("dims = %dx%d, want 40x120", rows, cols)
	}
	if got := fake.Resizes(); len(got) != 1 || got[0] != [2]int{40, 120} {
		t.Fatalf("adapter resizes = %v, want [[40 120]]", got)
	}
}

func TestRunnerInputPassthrough(t *testing.T) {
	fake := adaptertest.New()
	sink := newFakeSink()
	r := startRunner(t, fake, sink)

	if err := r.Input([]byte("ls\r")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if got := fake.Inputs(); len(got) != 1 || string(got[0]) != "ls\r" {
		t.Fatalf("adapter inputs = %q", got)
	}
}
