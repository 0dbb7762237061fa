// Package adapter defines the contract every terminal backend plugs in
// through: one fixed operation set, a static capability record declared at
// bind time, and a shared lifecycle state machine. Backends that cannot
// perform an operation return protocol.ErrNotSupported instead of omitting
// it, so callers have one uniform failure mode.
package adapter

import "context"

// SourceType classifies how an adapter acquires its terminal source.
type SourceType string

const (
	// SourceSpawn starts a fresh process on a new PTY.
	SourceSpawn SourceType = "spawn"
	// SourceAttach joins a pre-existing session (e.g. a tmux pane).
	SourceAttach SourceType = "attach"
	// SourceTakeover assumes control of a live terminal surface.
	SourceTakeover SourceType = "takeover"
)

// Capabilities is the static per-instance flag record declared when an
// adapter binds. Upper layers branch behavior on these flags but never
// change protocol semantics based on them.
type Capabilities struct {
	CanSpawn                 bool `yaml:"can_spawn" json:"can_spawn"`
	CanAttach                bool `yaml:"can_attach" json:"can_attach"`
	CanTakeover              bool `yaml:"can_takeover" json:"can_takeover"`
	CanListTargets           bool `yaml:"can_list_targets" json:"can_list_targets"`
	HasHistorySnapshot       bool `yaml:"has_history_snapshot" json:"has_history_snapshot"`
	HasNativeLayoutEvents    bool `yaml:"has_native_layout_events" json:"has_native_layout_events"`
	SupportsSharedInput      bool `yaml:"supports_shared_input" json:"supports_shared_input"`
	SupportsControllerResize bool `yaml:"supports_controller_resize" json:"supports_controller_resize"`
	SupportsRestoreOnStop    bool `yaml:"supports_restore_on_stop" json:"supports_restore_on_stop"`
}

// Target describes one shareable source found during discovery.
type Target struct {
	ID         string     `json:"id"`
	SourceType SourceType `json:"source_type"`
	Rows       int        `json:"rows,omitempty"`
	Cols       int        `json:"cols,omitempty"`
	Title      string     `json:"title,omitempty"`
	Command    string     `json:"command,omitempty"`
}

// BindRequest carries everything an adapter needs to acquire a source.
// Spawn adapters read SpawnCommand; attach/takeover adapters read TargetID.
type BindRequest struct {
	TargetID     string
	SpawnCommand []string
	Rows         int
	Cols         int
	Term         string

	// AllowNested overrides the nested-share guard. Binding a source
	// that is already relay-managed fails with ErrAlreadyManaged unless
	// this is set.
	AllowNested bool
}

// Handle identifies a bound session within one adapter instance.
type Handle string

// Bound is the result of a successful bind: the session handle plus the
// dimensions the source actually has.
type Bound struct {
	Handle Handle
	Rows   int
	Cols   int
}

// SnapshotMode selects which screen a snapshot captures, for backends
// that distinguish a normal and an alternate screen.
type SnapshotMode int

const (
	SnapshotPrimary SnapshotMode = iota
	SnapshotAlternate
)

// Snapshot is a full-buffer capture with the dimensions it was taken at.
type Snapshot struct {
	Data []byte
	Rows int
	Cols int
}

// EventType enumerates what an adapter can push upstream while streaming.
type EventType int

const (
	// EventOutput carries raw terminal output bytes in emission order.
	EventOutput EventType = iota

	// EventLocalClaim means the native side signalled that it is now
	// authoritative for the session's size. Emissions are cooldown-gated
	// inside the adapter; the runner translates them into a controller
	// reset at the hub.
	EventLocalClaim

	// EventLocalRelease means the native side explicitly gave up size
	// authority. Few backends can express this; it exists so the ones
	// that can have a lossless mapping.
	EventLocalRelease

	// EventExit terminates the stream. Emitted exactly once per session.
	EventExit
)

// Event is one streamed item. Data is set for EventOutput, Reason for
// EventExit.
type Event struct {
	Type   EventType
	Data   []byte
	Reason string
}

// Adapter is the backend-agnostic translator between a native terminal
// source and the relay protocol. Implementations are safe for concurrent
// use: Input, Resize, and Snapshot may be called while the streaming
// goroutine is running.
//
// Operations on capabilities the adapter does not declare fail with
// protocol.ErrNotSupported.
type Adapter interface {
	// Capabilities returns the static capability record for this
	// instance. Constant over the instance's lifetime.
	Capabilities() Capabilities

	// Discover lists shareable targets matching filter (backend-defined
	// syntax, empty means all). Fails with ErrNotSupported when
	// CanListTargets is false.
	Discover(ctx context.Context, filter string) ([]Target, error)

	// Bind validates and acquires a source. Applies the nested-share
	// guard: a source already managed by a relay fails with
	// ErrAlreadyManaged unless the request allows nesting. A missing or
	// inaccessible source fails with ErrTargetUnavailable.
	Bind(ctx context.Context, req BindRequest) (Bound, error)

	// StartStreaming begins delivering events for a bound session on the
	// given channel. It returns once streaming is established; delivery
	// continues from a background goroutine until EventExit is sent or
	// ctx is cancelled. The adapter owns the channel's send side and
	// closes it after EventExit.
	StartStreaming(ctx context.Context, h Handle, events chan<- Event) error

	// Input writes keyboard bytes to the native source. Never dropped
	// and applied in call order.
	Input(h Handle, data []byte) error

	// Resize applies a size decision to the native source. Only honored
	// while the session is streaming. Must use a size-refresh operation
	// that does not alter persistent backend window-size policy.
	Resize(h Handle, rows, cols int) error

	// Snapshot captures the full current buffer, for initial sync and
	// for resync after a layout inconsistency.
	Snapshot(ctx context.Context, h Handle, mode SnapshotMode) (Snapshot, error)

	// Stop detaches or restores the source gracefully, escalating to
	// forced termination after a bounded grace period.
	Stop(ctx context.Context, h Handle) error
}
