package extension

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/protocol"
)

// simple-io-v1: line-delimited typed JSON with no request ids and a
// reduced op set. The host sends start/input/resize/stop; the extension
// replies with an optional ready plus output/exit. The trade is
// deliberate: no capture or target listing, in exchange for an adapter
// that can be a few dozen lines in any language.

type simpleFrame struct {
	Type    string   `json:"type"`
	Command []string `json:"command,omitempty"`
	Rows    int      `json:"rows,omitempty"`
	Cols    int      `json:"cols,omitempty"`
	Term    string   `json:"term,omitempty"`
	DataB64 string   `json:"data_b64,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

type simpleConn struct {
	readyTimeout time.Duration

	writeMu sync.Mutex
	w       io.WriteCloser

	mu      sync.Mutex
	closed  bool
	started bool

	// ready carries the optional dimensions echo from the extension's
	// ready frame. Buffered so a late ready never blocks the read loop.
	ready chan [2]int

	eventCh chan event

	onViolation func(err error)
}

func newSimpleConn(w io.WriteCloser, r io.Reader, readyTimeout time.Duration, onViolation func(error)) *simpleConn {
	if onViolation == nil {
		onViolation = func(error) {}
	}
	c := &simpleConn{
		readyTimeout: readyTimeout,
		w:            w,
		ready:        make(chan [2]int, 1),
		eventCh:      make(chan event, 64),
		onViolation:  onViolation,
	}
	go c.readLoop(r)
	return c
}

func (c *simpleConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame simpleFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.onViolation(fmt.Errorf("%w: bad simple-io frame: %v", protocol.ErrProtocolViolation, err))
			continue
		}
		switch frame.Type {
		case "ready":
			select {
			case c.ready <- [2]int{frame.Rows, frame.Cols}:
			default:
			}
		case "output":
			data, err := base64.StdEncoding.DecodeString(frame.DataB64)
			if err != nil {
				c.onViolation(fmt.Errorf("%w: bad output payload", protocol.ErrProtocolViolation))
				continue
			}
			// Forwarded in receipt order even if the extension
			// interleaves output around its own ready reply.
			c.eventCh <- event{kind: evOutput, data: data}
		case "exit":
			c.eventCh <- event{kind: evExit, reason: frame.Reason}
		default:
			c.onViolation(fmt.Errorf("%w: unknown simple-io frame type %q", protocol.ErrProtocolViolation, frame.Type))
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.eventCh)
}

func (c *simpleConn) send(frame simpleFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("simple-io write: %w", protocol.ErrBackendDisconnected)
	}
	return nil
}

// start sends the start frame and waits briefly for an optional ready
// reply carrying authoritative dimensions. A missing ready is not an
// error; the requested dimensions stand.
func (c *simpleConn) start(ctx context.Context, p startParams) (string, int, int, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return "", 0, 0, fmt.Errorf("simple-io session already started")
	}
	c.started = true
	c.mu.Unlock()

	rows, cols := p.Rows, p.Cols
	if err := c.send(simpleFrame{
		Type:    "start",
		Command: p.Command,
		Rows:    rows,
		Cols:    cols,
		Term:    p.Term,
	}); err != nil {
		return "", 0, 0, err
	}

	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()
	select {
	case dims := <-c.ready:
		if dims[0] > 0 && dims[1] > 0 {
			rows, cols = dims[0], dims[1]
		}
	case <-timer.C:
	case <-ctx.Done():
		return "", 0, 0, ctx.Err()
	}

	// The sub-protocol has no handles; the process is the session.
	return "simple-io", rows, cols, nil
}

func (c *simpleConn) input(ctx context.Context, handle string, data []byte) error {
	return c.send(simpleFrame{
		Type:    "input",
		DataB64: base64.StdEncoding.EncodeToString(data),
	})
}

func (c *simpleConn) resize(ctx context.Context, handle string, rows, cols int) error {
	return c.send(simpleFrame{Type: "resize", Rows: rows, Cols: cols})
}

func (c *simpleConn) capture(ctx context.Context, handle string, alternate bool) ([]byte, error) {
	return nil, fmt.Errorf("simple-io-v1 capture: %w", protocol.ErrNotSupported)
}

func (c *simpleConn) listTargets(ctx context.Context, filter string) ([]adapter.Target, error) {
	return nil, fmt.Errorf("simple-io-v1 list_targets: %w", protocol.ErrNotSupported)
}

// health: the sub-protocol has no health op; process liveness is checked
// by the host instead.
func (c *simpleConn) health(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("simple-io: %w", protocol.ErrBackendDisconnected)
	}
	return nil
}

func (c *simpleConn) stopSession(ctx context.Context, handle string) error {
	return c.send(simpleFrame{Type: "stop"})
}

func (c *simpleConn) events() <-chan event { return c.eventCh }

func (c *simpleConn) shutdown() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.w.Close()
}
