package extension

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/term-relay/backend/internal/protocol"
)

func newTestSimpleConn(t *testing.T, readyTimeout time.Duration) (*simpleConn, *testExt, chan error) {
	t.Helper()
	toExtR, toExtW := io.Pipe()
	fromExtR, fromExtW := io.Pipe()

	violations := make(chan error, 8)
	conn := newSimpleConn(toExtW, fromExtR, readyTimeout, func(err error) {
		violations <- err
	})
	t.Cleanup(func() {
		toExtW.Close()
		fromExtW.Close()
	})

	return conn, &testExt{scanner: bufio.NewScanner(toExtR), w: fromExtW}, violations
}

func (e *testExt) nextSimple(t *testing.T) simpleFrame {
	t.Helper()
	if !e.scanner.Scan() {
		t.Fatal("extension side: no frame")
	}
	var frame simpleFrame
	if err := json.Unmarshal(e.scanner.Bytes(), &frame); err != nil {
		t.Fatalf("extension side: bad frame: %v", err)
	}
	return frame
}

func TestSimpleStartReadyDimensions(t *testing.T) {
	conn, ext, _ := newTestSimpleConn(t, time.Second)

	type result struct {
		handle     string
		rows, cols int
		err        error
	}
	done := make(chan result, 1)
	go func() {
		h, rows, cols, err := conn.start(context.Background(), startParams{
			Command: []string{"bash", "-l"},
			Rows:    24,
			Cols:    80,
			Term:    "xterm-256color",
		})
		done <- result{h, rows, cols, err}
	}()

	frame := ext.nextSimple(t)
	if frame.Type != "start" || len(frame.Command) != 2 || frame.Rows != 24 {
		t.Fatalf("start frame = %+v", frame)
	}
	ext.send(t, `{"type":"ready","rows":50,"cols":150}`)

	res := <-done
	if res.err != nil {
		t.Fatalf("start: %v", res.err)
	}
	// Ready carries authoritative dimensions.
	if res.rows != 50 || res.cols != 150 {
		t.Fatalf("dims = %dx%d, want 50x150", res.rows, res.cols)
	}
	if res.handle == "" {
		t.Fatal("empty session handle")
	}
}

func TestSimpleStartWithoutReady(t *testing.T) {
	conn, ext, _ := newTestSimpleConn(t, 50*time.Millisecond)

	done := make(chan [2]int, 1)
	go func() {
		_, rows, cols, err := conn.start(context.Background(), startParams{Rows: 30, Cols: 100})
		if err != nil {
			t.Errorf("start: %v", err)
		}
		done <- [2]int{rows, cols}
	}()

	ext.nextSimple(t) // extension never sends ready

	dims := <-done
	if dims != [2]int{30, 100} {
		t.Fatalf("dims = %v, want requested 30x100", dims)
	}
}

func TestSimpleStartOnlyOnce(t *testing.T) {
	conn, ext, _ := newTestSimpleConn(t, 10*time.Millisecond)

	go ext.nextSimple(t)
	if _, _, _, err := conn.start(context.Background(), startParams{}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, _, _, err := conn.start(context.Background(), startParams{}); err == nil {
		t.Fatal("second start succeeded, want error")
	}
}

func TestSimpleOutputReceiptOrder(t *testing.T) {
	conn, ext, _ := newTestSimpleConn(t, time.Second)

	payload := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	// Output interleaved around the ready reply still arrives upstream in
	// receipt order.
	ext.send(t, `{"type":"output","data_b64":"`+payload("one")+`"}`)
	ext.send(t, `{"type":"output","data_b64":"`+payload("two")+`"}`)
	ext.send(t, `{"type":"exit","reason":"done"}`)

	want := []struct {
		kind eventKind
		data string
	}{
		{evOutput, "one"},
		{evOutput, "two"},
		{evExit, ""},
	}
	for i, w := range want {
		select {
		case ev := <-conn.events():
			if ev.kind != w.kind {
				t.Fatalf("event %d kind = %v, want %v", i, ev.kind, w.kind)
			}
			if w.kind == evOutput && string(ev.data) != w.data {
				t.Fatalf("event %d data = %q, want %q", i, ev.data, w.data)
			}
			if w.kind == evExit && ev.reason != "done" {
				t.Fatalf("exit reason = %q", ev.reason)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSimpleInputAndResizeFrames(t *testing.T) {
	conn, ext, _ := newTestSimpleConn(t, time.Second)

	go func() {
		conn.input(context.Background(), "simple-io", []byte("ls\r"))
		conn.resize(context.Background(), "simple-io", 40, 120)
		conn.stopSession(context.Background(), "simple-io")
	}()

	in := ext.nextSimple(t)
	if in.Type != "input" {
		t.Fatalf("frame type = %q, want input", in.Type)
	}
	data, _ := base64.StdEncoding.DecodeString(in.DataB64)
	if string(data) != "ls\r" {
		t.Fatalf("input payload = %q", data)
	}

	rs := ext.nextSimple(t)
	if rs.Type != "resize" || rs.Rows != 40 || rs.Cols != 120 {
		t.Fatalf("resize frame = %+v", rs)
	}

	stop := ext.nextSimple(t)
	if stop.Type != "stop" {
		t.Fatalf("frame type = %q, want stop", stop.Type)
	}
}

func TestSimpleUnsupportedOps(t *testing.T) {
	conn, _, _ := newTestSimpleConn(t, time.Second)

	if _, err := conn.capture(context.Background(), "simple-io", false); !errors.Is(err, protocol.ErrNotSupported) {
		t.Fatalf("capture err = %v, want ErrNotSupported", err)
	}
	if _, err := conn.listTargets(context.Background(), ""); !errors.Is(err, protocol.ErrNotSupported) {
		t.Fatalf("listTargets err = %v, want ErrNotSupported", err)
	}
}

func TestSimpleUnknownFrameIsViolation(t *testing.T) {
	_, ext, violations := newTestSimpleConn(t, time.Second)

	ext.send(t, `{"type":"telemetry"}`)

	select {
	case err := <-violations:
		if !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Fatalf("violation err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("unknown frame did not trigger violation")
	}
}
