package fleet

import (
	"sync"
	"time"
)

// Metrics accumulates per-gateway RPC counters between task runs. The engine
// snapshots them into task metadata at the end of each run and resets them,
// so the numbers describe exactly one task execution (including the shelf
// monitor's polls).
type Metrics struct {
	mu           sync.Mutex
	pollCount    int
	successCount int
	rttTotal     time.Duration
}

// Stats is the snapshot shape stored under task metadata "metrics".
type Stats struct {
	PollCount   int     `json:"poll_count"`
	AvgRTTMs    float64 `json:"avg_rtt_ms"`
	SuccessRate float64 `json:"poll_success_rate"`
}

// Record counts one RPC round trip.
func (m *Metrics) Record(d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollCount++
	if success {
		m.successCount++
	}
	m.rttTotal += d
}

// Stats returns the current counters as a snapshot.
func (m *Metrics) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{PollCount: m.pollCount}
	if m.pollCount > 0 {
		s.AvgRTTMs = float64(m.rttTotal.Milliseconds()) / float64(m.pollCount)
		s.SuccessRate = float64(m.successCount) / float64(m.pollCount)
	}
	return s
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollCount = 0
	m.successCount = 0
	m.rttTotal = 0
}
