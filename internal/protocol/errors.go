package protocol

import "errors"

// Shared error taxonomy. Adapters, the extension host, and the hub
// classify failures against these sentinels with errors.Is.
var (
	// ErrTargetUnavailable: discovery or bind could not find or access
	// the requested source.
	ErrTargetUnavailable = errors.New("target unavailable")

	// ErrAlreadyManaged: the nested-share guard refused to bind a source
	// that is already relay-managed.
	ErrAlreadyManaged = errors.New("target already relay-managed")

	// ErrNotSupported: the adapter lacks the capability for the
	// requested operation.
	ErrNotSupported = errors.New("operation not supported")

	// ErrTimeout: an extension RPC or backend operation exceeded its
	// bound.
	ErrTimeout = errors.New("operation timed out")

	// ErrBackendDisconnected: the native source was lost. Recoverable if
	// the adapter supports reconnection.
	ErrBackendDisconnected = errors.New("backend disconnected")

	// ErrProtocolViolation: malformed message from an extension or a
	// client. Extensions are marked unhealthy; client frames are dropped.
	ErrProtocolViolation = errors.New("protocol violation")
)
