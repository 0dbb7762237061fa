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

// rpc-v1: line-delimited JSON-RPC 2.0 over the extension's stdio.
// Host-issued calls are correlated by request id; extension-issued
// events arrive as notifications (no id).

const jsonrpcVersion = "2.0"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcFrame is any inbound line: a response (ID set) or a notification
// (Method set, no ID).
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type helloReply struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Version         string               `json:"version"`
	ProtocolVersion string               `json:"protocol_version"`
	Capabilities    adapter.Capabilities `json:"capabilities"`
}

type rpcConn struct {
	timeout time.Duration

	writeMu sync.Mutex
	w       io.WriteCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcFrame
	closed  bool

	eventCh chan event

	// onViolation fires when the extension sends a frame the host
	// cannot parse. The record layer marks the extension unhealthy.
	onViolation func(err error)
}

func newRPCConn(w io.WriteCloser, r io.Reader, timeout time.Duration, onViolation func(error)) *rpcConn {
	if onViolation == nil {
		onViolation = func(error) {}
	}
	c := &rpcConn{
		timeout:     timeout,
		w:           w,
		pending:     make(map[int64]chan rpcFrame),
		eventCh:     make(chan event, 64),
		onViolation: onViolation,
	}
	go c.readLoop(r)
	return c
}

func (c *rpcConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame rpcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.onViolation(fmt.Errorf("%w: bad json-rpc frame: %v", protocol.ErrProtocolViolation, err))
			continue
		}
		if frame.ID != nil {
			c.mu.Lock()
			ch := c.pending[*frame.ID]
			delete(c.pending, *frame.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
			continue
		}
		if frame.Method != "" {
			c.dispatchEvent(frame)
			continue
		}
		c.onViolation(fmt.Errorf("%w: frame with neither id nor method", protocol.ErrProtocolViolation))
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	close(c.eventCh)
}

func (c *rpcConn) dispatchEvent(frame rpcFrame) {
	switch frame.Method {
	case "event.output":
		var p struct {
			DataB64 string `json:"data_b64"`
		}
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			c.onViolation(fmt.Errorf("%w: bad event.output params", protocol.ErrProtocolViolation))
			return
		}
		data, err := base64.StdEncoding.DecodeString(p.DataB64)
		if err != nil {
			c.onViolation(fmt.Errorf("%w: bad event.output payload", protocol.ErrProtocolViolation))
			return
		}
		c.eventCh <- event{kind: evOutput, data: data}
	case "event.layout_change":
		c.eventCh <- event{kind: evLayoutChange}
	case "event.exit":
		var p struct {
			Reason string `json:"reason"`
		}
		json.Unmarshal(frame.Params, &p)
		c.eventCh <- event{kind: evExit, reason: p.Reason}
	case "event.log":
		var p struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		json.Unmarshal(frame.Params, &p)
		c.eventCh <- event{kind: evLog, level: p.Level, message: p.Message}
	default:
		// Unknown events are tolerated: newer extensions may emit more
		// than this host understands.
	}
}

// call performs one correlated round trip. Every call is bounded: the
// configured timeout (or an earlier ctx deadline) converts a silent
// extension into protocol.ErrTimeout.
func (c *rpcConn) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, protocol.ErrBackendDisconnected)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcFrame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_, err = c.w.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, protocol.ErrBackendDisconnected)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, protocol.ErrBackendDisconnected)
		}
		if frame.Error != nil {
			return fmt.Errorf("%s: %w", method, frame.Error)
		}
		if result != nil && len(frame.Result) > 0 {
			if err := json.Unmarshal(frame.Result, result); err != nil {
				return fmt.Errorf("%s: %w: bad result", method, protocol.ErrProtocolViolation)
			}
		}
		return nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s after %s: %w", method, c.timeout, protocol.ErrTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// hello negotiates capabilities and checks the protocol revision.
func (c *rpcConn) hello(ctx context.Context) (helloReply, error) {
	var reply helloReply
	if err := c.call(ctx, "ext.hello", map[string]any{}, &reply); err != nil {
		return helloReply{}, err
	}
	if reply.ProtocolVersion != protocolVersion {
		return helloReply{}, fmt.Errorf("%w: extension speaks protocol %q",
			protocol.ErrProtocolViolation, reply.ProtocolVersion)
	}
	return reply, nil
}

func (c *rpcConn) start(ctx context.Context, p startParams) (string, int, int, error) {
	var result struct {
		SessionHandle string `json:"session_handle"`
		Rows          int    `json:"rows"`
		Cols          int    `json:"cols"`
	}
	err := c.call(ctx, "ext.start", map[string]any{
		"command":      p.Command,
		"target":       p.Target,
		"rows":         p.Rows,
		"cols":         p.Cols,
		"term":         p.Term,
		"allow_nested": p.AllowNested,
	}, &result)
	if err != nil {
		return "", 0, 0, err
	}
	if result.SessionHandle == "" {
		return "", 0, 0, fmt.Errorf("%w: ext.start returned no handle", protocol.ErrProtocolViolation)
	}
	return result.SessionHandle, result.Rows, result.Cols, nil
}

func (c *rpcConn) input(ctx context.Context, handle string, data []byte) error {
	return c.call(ctx, "ext.input", map[string]any{
		"session_handle": handle,
		"data_b64":       base64.StdEncoding.EncodeToString(data),
	}, nil)
}

func (c *rpcConn) resize(ctx context.Context, handle string, rows, cols int) error {
	return c.call(ctx, "ext.resize", map[string]any{
		"session_handle": handle,
		"rows":           rows,
		"cols":           cols,
	}, nil)
}

func (c *rpcConn) capture(ctx context.Context, handle string, alternate bool) ([]byte, error) {
	mode := "primary"
	if alternate {
		mode = "alternate"
	}
	var result struct {
		DataB64 string `json:"data_b64"`
	}
	err := c.call(ctx, "ext.capture", map[string]any{
		"session_handle": handle,
		"mode":           mode,
	}, &result)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(result.DataB64)
	if err != nil {
		return nil, fmt.Errorf("ext.capture: %w: bad payload", protocol.ErrProtocolViolation)
	}
	return data, nil
}

func (c *rpcConn) listTargets(ctx context.Context, filter string) ([]adapter.Target, error) {
	var result struct {
		Targets []adapter.Target `json:"targets"`
	}
	err := c.call(ctx, "ext.list_targets", map[string]any{"filter": filter}, &result)
	if err != nil {
		return nil, err
	}
	return result.Targets, nil
}

func (c *rpcConn) health(ctx context.Context) error {
	var result struct {
		OK bool `json:"ok"`
	}
	if err := c.call(ctx, "ext.health", map[string]any{}, &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("extension reported unhealthy")
	}
	return nil
}

func (c *rpcConn) stopSession(ctx context.Context, handle string) error {
	return c.call(ctx, "ext.stop", map[string]any{"session_handle": handle}, nil)
}

func (c *rpcConn) events() <-chan event { return c.eventCh }

func (c *rpcConn) shutdown() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.w.Close()
}
