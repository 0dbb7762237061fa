package tmuxattach

import (
	"sync"
	"time"
)

// Defaults for the native-signal translation policy. tmux layout
// notifications are noisy and ambiguous; these bounds keep the protocol
// traffic they generate finite under rapid backend churn.
const (
	DefaultReclaimInterval      = time.Second
	DefaultFallbackCaptureDelay = 120 * time.Millisecond
	DefaultSnapshotThrottle     = 500 * time.Millisecond
)

// signalPolicy is the adapter-local timer state that converts implicit
// tmux signals into at most one protocol action per policy window. It is
// pure bookkeeping: callers pass in the current time, which keeps the
// policy deterministic under test.
//
// The state never leaks into protocol state; other backends tune their
// own instance independently.
type signalPolicy struct {
	mu sync.Mutex

	reclaimInterval  time.Duration
	fallbackDelay    time.Duration
	snapshotThrottle time.Duration

	lastClaim        time.Time
	lastCapture      time.Time
	fallbackDeadline time.Time
	fallbackArmed    bool
}

func newSignalPolicy(reclaim, fallback, throttle time.Duration) *signalPolicy {
	if reclaim <= 0 {
		reclaim = DefaultReclaimInterval
	}
	if fallback <= 0 {
		fallback = DefaultFallbackCaptureDelay
	}
	if throttle <= 0 {
		throttle = DefaultSnapshotThrottle
	}
	return &signalPolicy{
		reclaimInterval:  reclaim,
		fallbackDelay:    fallback,
		snapshotThrottle: throttle,
	}
}

// onLayoutChange records a layout-change notification. claim reports
// whether a local control claim should be emitted (at most one per
// reclaim interval); the fallback-capture timer is armed regardless so a
// layout change that produces no output still yields one forced
// snapshot.
func (p *signalPolicy) onLayoutChange(now time.Time) (claim bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastClaim.IsZero() || now.Sub(p.lastClaim) >= p.reclaimInterval {
		p.lastClaim = now
		claim = true
	}

	p.fallbackArmed = true
	p.fallbackDeadline = now.Add(p.fallbackDelay)
	return claim
}

// onOutput cancels any pending fallback capture: native output arriving
// means the layout change already produced a visible update.
func (p *signalPolicy) onOutput() {
	p.mu.Lock()
	p.fallbackArmed = false
	p.mu.Unlock()
}

// fallbackDue reports whether a forced snapshot should fire now. It
// consumes the armed timer and applies the snapshot throttle, so at most
// one capture fires per throttle window no matter how many layout
// changes queued up behind it.
func (p *signalPolicy) fallbackDue(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.fallbackArmed || now.Before(p.fallbackDeadline) {
		return false
	}
	p.fallbackArmed = false
	if !p.lastCapture.IsZero() && now.Sub(p.lastCapture) < p.snapshotThrottle {
		return false
	}
	p.lastCapture = now
	return true
}
