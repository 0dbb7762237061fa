package tmuxattach

import (
	"testing"
	"time"
)

func testPolicy() *signalPolicy {
	return newSignalPolicy(time.Second, 120*time.Millisecond, 500*time.Millisecond)
}

func TestReclaimCooldown(t *testing.T) {
	p := testPolicy()
	base := time.Now()

	if !p.onLayoutChange(base) {
		t.Fatal("first layout change should claim")
	}
	// Second change inside the reclaim interval: no claim.
	if p.onLayoutChange(base.Add(400 * time.Millisecond)) {
		t.Fatal("layout change within cooldown claimed")
	}
	// Past the interval: claims again.
	if !p.onLayoutChange(base.Add(1100 * time.Millisecond)) {
		t.Fatal("layout change after cooldown did not claim")
	}
}

func TestFallbackCanceledByOutput(t *testing.T) {
	p := testPolicy()
	base := time.Now()

	p.onLayoutChange(base)
	p.onOutput()

	if p.fallbackDue(base.Add(200 * time.Millisecond)) {
		t.Fatal("fallback fired despite intervening output")
	}
}

func TestFallbackFiresAfterDelay(t *testing.T) {
	p := testPolicy()
	base := time.Now()

	p.onLayoutChange(base)

	if p.fallbackDue(base.Add(50 * time.Millisecond)) {
		t.Fatal("fallback fired before its delay elapsed")
	}
	if !p.fallbackDue(base.Add(150 * time.Millisecond)) {
		t.Fatal("fallback did not fire after its delay")
	}
	// Consumed: does not fire twice for one arm.
	if p.fallbackDue(base.Add(200 * time.Millisecond)) {
		t.Fatal("fallback fired twice for one layout change")
	}
}

func TestSnapshotThrottle(t *testing.T) {
	p := testPolicy()
	base := time.Now()

	p.onLayoutChange(base)
	if !p.fallbackDue(base.Add(150 * time.Millisecond)) {
		t.Fatal("first fallback did not fire")
	}

	// Re-armed immediately, but the capture throttle suppresses it.
	p.onLayoutChange(base.Add(200 * time.Millisecond))
	if p.fallbackDue(base.Add(400 * time.Millisecond)) {
		t.Fatal("second capture fired inside the throttle window")
	}

	// Past the throttle window a new arm fires again.
	p.onLayoutChange(base.Add(700 * time.Millisecond))
	if !p.fallbackDue(base.Add(900 * time.Millisecond)) {
		t.Fatal("capture did not fire after the throttle window")
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := newSignalPolicy(0, 0, 0)
	if p.reclaimInterval != DefaultReclaimInterval {
		t.Errorf("reclaimInterval = %v, want %v", p.reclaimInterval, DefaultReclaimInterval)
	}
	if p.fallbackDelay != DefaultFallbackCaptureDelay {
		t.Errorf("fallbackDelay = %v, want %v", p.fallbackDelay, DefaultFallbackCaptureDelay)
	}
	if p.snapshotThrottle != DefaultSnapshotThrottle {
		t.Errorf("snapshotThrottle = %v, want %v", p.snapshotThrottle, DefaultSnapshotThrottle)
	}
}
