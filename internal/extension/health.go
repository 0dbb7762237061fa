package extension

import (
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v3/process"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// failedThreshold is the consecutive-failure count at which an
// extension stops being degraded and is considered dead.
const failedThreshold = 3

// healthState tracks heartbeat results and resource samples for one
// extension process. Written by the health loop, read by whoever asks
// for status, so all fields sit behind mu.
type healthState struct {
	mu                  sync.Mutex
	consecutiveFailures int
	lastErr             string
	lastFailure         time.Time
	cpuPercent          float64
	rssBytes            uint64
}

func (h *healthState) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	h.lastErr = ""
}

func (h *healthState) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.lastErr = err.Error()
	h.lastFailure = time.Now()
}

func (h *healthState) recordSample(cpu float64, rss uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cpuPercent = cpu
	h.rssBytes = rss
}

func (h *healthState) status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.consecutiveFailures >= failedThreshold:
		return StatusFailed
	case h.consecutiveFailures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (h *healthState) lastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// sampleProcess reads liveness and resource usage for pid. Returns
// false when the process no longer exists.
func sampleProcess(pid int) (cpu float64, rss uint64, alive bool) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return 0, 0, false
	}
	if pct, err := proc.CPUPercent(); err == nil {
		cpu = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	return cpu, rss, true
}
