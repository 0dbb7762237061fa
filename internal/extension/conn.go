package extension

import (
	"context"

	"github.com/term-relay/backend/internal/adapter"
)

// startParams is everything an extension needs to begin a session.
// Spawn-type extensions read Command; attach-type extensions read Target.
type startParams struct {
	Command     []string
	Target      string
	Rows        int
	Cols        int
	Term        string
	AllowNested bool
}

type eventKind int

const (
	evOutput eventKind = iota
	evLayoutChange
	evExit
	evLog
)

// event is one push from the extension. Whatever order the extension
// emits in is the order the host forwards in — backend ordering is the
// extension's responsibility, receipt ordering is the host's.
type event struct {
	kind    eventKind
	data    []byte
	reason  string
	level   string
	message string
}

// conn abstracts the two sub-protocols over a live extension process's
// stdio. Operations unsupported by the sub-protocol return
// protocol.ErrNotSupported.
type conn interface {
	start(ctx context.Context, p startParams) (handle string, rows, cols int, err error)
	input(ctx context.Context, handle string, data []byte) error
	resize(ctx context.Context, handle string, rows, cols int) error
	capture(ctx context.Context, handle string, alternate bool) ([]byte, error)
	listTargets(ctx context.Context, filter string) ([]adapter.Target, error)
	health(ctx context.Context) error
	stopSession(ctx context.Context, handle string) error

	// events delivers extension pushes in receipt order. Closed when
	// the stdout stream ends.
	events() <-chan event

	// shutdown stops the protocol layer (closes the extension's stdin,
	// which well-behaved extensions treat as a stop signal).
	shutdown()
}
