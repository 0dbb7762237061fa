// Package hub implements the authoritative router: per-session controller
// state, subscriber fan-out, and the gating of resize intents. Controller
// state lives only here and is mutated only through the transitions below.
package hub

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/term-relay/backend/internal/protocol"
)

// Runner is the hub's view of a session runner. Input and resize flow
// down through it; the concrete type is session.Runner, narrowed so hub
// tests can use fakes.
type Runner interface {
	Input(data []byte) error
	Resize(rows, cols int) error
	HistorySnapshot() (data []byte, rows, cols int)
}

// Subscriber is one viewer connection. Frames for the viewer are queued
// on Send; the transport layer drains it. The channel is closed when the
// subscriber is removed, which ends the transport's write pump.
type Subscriber struct {
	ID        string
	SessionID string
	Send      chan []byte

	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.Send) })
}

// enqueue appends a frame without blocking. Reports false when the
// subscriber's queue is full, meaning it cannot keep up.
func (s *Subscriber) enqueue(frame []byte) bool {
	select {
	case s.Send <- frame:
		return true
	default:
		return false
	}
}

// relaySession is the hub's per-session record. mu serializes controller
// mutations and subscriber-set changes, making controller-change
// broadcasts totally ordered per session.
type relaySession struct {
	mu           sync.Mutex
	id           string
	runner       Runner
	controllerID string
	subscribers  map[string]*Subscriber
}

// Hub routes between session runners and subscribers. Cross-session
// operations share no lock beyond the session-table map.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*relaySession
}

func New() *Hub {
	return &Hub{sessions: make(map[string]*relaySession)}
}

// AddSession registers a live session. The controller starts as local.
func (h *Hub) AddSession(id string, runner Runner) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[id]; exists {
		return fmt.Errorf("session %s already registered", id)
	}
	h.sessions[id] = &relaySession{
		id:           id,
		runner:       runner,
		controllerID: protocol.LocalController,
		subscribers:  make(map[string]*Subscriber),
	}
	return nil
}

// SessionIDs lists currently routed sessions.
func (h *Hub) SessionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe attaches a new viewer and sends the handshake reply carrying
// its subscriber id, the current controller, dimensions, and the history
// snapshot. Subscriber ids are unique per connection, not persistent.
func (h *Hub) Subscribe(sessionID string) (*Subscriber, error) {
	sess := h.session(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", protocol.ErrTargetUnavailable, sessionID)
	}

	sub := &Subscriber{
		ID:        newSubscriberID(),
		SessionID: sessionID,
		Send:      make(chan []byte, 256),
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	// Snapshot under the session lock: an output broadcast between the
	// snapshot and registration would otherwise be lost to this viewer.
	history, rows, cols := sess.runner.HistorySnapshot()
	sess.subscribers[sub.ID] = sub
	frame, _ := protocol.Encode(protocol.Message{
		Type:         protocol.MsgSubscribed,
		SubscriberID: sub.ID,
		SessionID:    sessionID,
		ControllerID: sess.controllerID,
		Rows:         rows,
		Cols:         cols,
		HistoryB64:   encodeB64(history),
	})
	sub.enqueue(frame)
	return sub, nil
}

// Unsubscribe detaches a viewer. If it held control, the controller
// reverts to local exactly once, even if disconnect signals race:
// removal from the subscriber set is the single guarded event.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	sess := h.session(sub.SessionID)
	if sess == nil {
		sub.close()
		return
	}

	sess.mu.Lock()
	if _, present := sess.subscribers[sub.ID]; !present {
		sess.mu.Unlock()
		return
	}
	delete(sess.subscribers, sub.ID)
	wasController := sess.controllerID == sub.ID
	if wasController {
		sess.controllerID = protocol.LocalController
		sess.broadcastControlLocked()
	}
	sess.mu.Unlock()
	sub.close()
}

// HandleMessage dispatches one frame from a subscriber. Malformed frames
// are dropped, not erred: clients are untrusted and a bad frame must not
// take the session down.
func (h *Hub) HandleMessage(sub *Subscriber, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("session %s: dropping malformed frame from %s: %v", sub.SessionID, sub.ID, err)
		return
	}

	switch msg.Type {
	case protocol.MsgControlRequest:
		h.ControlRequest(sub.SessionID, sub.ID)
	case protocol.MsgControlRelease:
		h.ControlRelease(sub.SessionID, sub.ID)
	case protocol.MsgResize:
		h.ResizeRequest(sub.SessionID, sub.ID, msg.Rows, msg.Cols)
	case protocol.MsgInput:
		data, err := decodeB64(msg.DataB64)
		if err != nil {
			log.Printf("session %s: dropping input with bad payload from %s", sub.SessionID, sub.ID)
			return
		}
		h.InputFrom(sub.SessionID, sub.ID, data)
	default:
		log.Printf("session %s: dropping frame with unknown type %q from %s", sub.SessionID, msg.Type, sub.ID)
	}
}

// ControlRequest hands control to the requesting subscriber. The
// overwrite is unconditional: concurrent claims resolve by hub processing
// order (last processed wins). A repeated request from the current
// controller re-broadcasts the same value.
func (h *Hub) ControlRequest(sessionID, subscriberID string) {
	sess := h.session(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, connected := sess.subscribers[subscriberID]; !connected {
		// Raced with disconnect: never point the controller at a
		// subscriber that is already gone.
		return
	}
	sess.controllerID = subscriberID
	sess.broadcastControlLocked()
}

// ControlRelease reverts control to local. Honored regardless of whether
// the sender currently holds control.
func (h *Hub) ControlRelease(sessionID, subscriberID string) {
	sess := h.session(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.controllerID = protocol.LocalController
	sess.broadcastControlLocked()
}

// ReclaimLocal resets the controller to local on behalf of the session's
// native side. Part of the runner Sink surface.
func (h *Hub) ReclaimLocal(sessionID string) {
	sess := h.session(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.controllerID = protocol.LocalController
	sess.broadcastControlLocked()
}

// ResizeRequest forwards a size intent to the runner if and only if the
// sender holds control at processing time. Out-of-turn resizes are
// silently dropped: with concurrent claims in flight they are expected,
// benign races, not errors.
func (h *Hub) ResizeRequest(sessionID, subscriberID string, rows, cols int) {
	if rows <= 0 || cols <= 0 {
		return
	}
	sess := h.session(sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	authorized := sess.controllerID == subscriberID
	sess.mu.Unlock()
	if !authorized {
		return
	}

	// Applied outside the session lock: backend resize may block and
	// must not stall control or output traffic.
	if err := sess.runner.Resize(rows, cols); err != nil {
		log.Printf("session %s: resize %dx%d failed: %v", sessionID, rows, cols, err)
		return
	}

	frame, _ := protocol.Encode(protocol.Message{
		Type: protocol.MsgResize,
		Rows: rows,
		Cols: cols,
	})
	sess.mu.Lock()
	sess.enqueueAllLocked(frame)
	sess.mu.Unlock()
}

// InputFrom forwards keyboard bytes to the backend. Input is never gated
// on controller state — typing is always shared.
func (h *Hub) InputFrom(sessionID, subscriberID string, data []byte) {
	sess := h.session(sessionID)
	if sess == nil || len(data) == 0 {
		return
	}
	if err := sess.runner.Input(data); err != nil {
		log.Printf("session %s: input from %s failed: %v", sessionID, subscriberID, err)
	}
}

// BroadcastOutput fans backend output out to every subscriber. Part of
// the runner Sink surface. Per-subscriber order follows call order; a
// subscriber whose queue overflows is disconnected rather than allowed
// to stall or reorder the stream.
func (h *Hub) BroadcastOutput(sessionID string, data []byte) {
	sess := h.session(sessionID)
	if sess == nil {
		return
	}
	frame, _ := protocol.Encode(protocol.Message{
		Type:    protocol.MsgOutput,
		DataB64: encodeB64(data),
	})
	sess.mu.Lock()
	sess.enqueueAllLocked(frame)
	sess.mu.Unlock()
}

// SessionClosed removes a session and sends every subscriber a terminal
// exit. Part of the runner Sink surface; also called on bind failure
// cleanup paths.
func (h *Hub) SessionClosed(sessionID, reason string) {
	h.mu.Lock()
	sess := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if sess == nil {
		return
	}

	frame, _ := protocol.Encode(protocol.Message{
		Type:   protocol.MsgExit,
		Reason: reason,
	})
	sess.mu.Lock()
	subs := make([]*Subscriber, 0, len(sess.subscribers))
	for _, sub := range sess.subscribers {
		sub.enqueue(frame)
		subs = append(subs, sub)
	}
	sess.subscribers = make(map[string]*Subscriber)
	sess.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Controller returns the session's current controller id.
func (h *Hub) Controller(sessionID string) (string, bool) {
	sess := h.session(sessionID)
	if sess == nil {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.controllerID, true
}

func (h *Hub) session(id string) *relaySession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// broadcastControlLocked sends the current controller to every
// subscriber. Caller holds sess.mu, so broadcasts are totally ordered
// and no resize decided under the new controller can be processed before
// subscribers see the change.
func (s *relaySession) broadcastControlLocked() {
	frame, _ := protocol.Encode(protocol.Message{
		Type:         protocol.MsgControl,
		ControllerID: s.controllerID,
	})
	s.enqueueAllLocked(frame)
}

func (s *relaySession) enqueueAllLocked(frame []byte) {
	for id, sub := range s.subscribers {
		if !sub.enqueue(frame) {
			log.Printf("session %s: subscriber %s too slow, disconnecting", s.id, id)
			delete(s.subscribers, id)
			if s.controllerID == id {
				s.controllerID = protocol.LocalController
				s.broadcastControlLocked()
			}
			sub.close()
		}
	}
}

func newSubscriberID() string {
	var b [8]byte
	rand.Read(b[:])
	return "sub-" + hex.EncodeToString(b[:])
}
