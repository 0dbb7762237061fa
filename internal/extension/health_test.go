package extension

import (
	"errors"
	"testing"
)

func TestHealthStatusThresholds(t *testing.T) {
	h := newHealthState()

	if got := h.status(); got != StatusHealthy {
		t.Fatalf("initial status = %s, want %s", got, StatusHealthy)
	}

	h.recordFailure(errors.New("timeout"))
	if got := h.status(); got != StatusDegraded {
		t.Fatalf("after 1 failure: status = %s, want %s", got, StatusDegraded)
	}

	h.recordFailure(errors.New("timeout"))
	h.recordFailure(errors.New("no heartbeat"))
	if got := h.status(); got != StatusFailed {
		t.Fatalf("after 3 failures: status = %s, want %s", got, StatusFailed)
	}
	if got := h.lastError(); got != "no heartbeat" {
		t.Fatalf("lastError = %q, want %q", got, "no heartbeat")
	}

	h.recordSuccess()
	if got := h.status(); got != StatusHealthy {
		t.Fatalf("after success: status = %s, want %s", got, StatusHealthy)
	}
	if got := h.lastError(); got != "" {
		t.Fatalf("lastError after success = %q, want empty", got)
	}
}
