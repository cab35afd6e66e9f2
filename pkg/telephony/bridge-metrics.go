package telephony

import (
	"sync"
	"time"
)

// MetricsSnapshot is a point-in-time copy of a bridge's counters
type MetricsSnapshot struct {
	// Audio flow
	CallerFramesReceived int64 `json:"caller_frames_received"`
	CallerFramesDropped  int64 `json:"caller_frames_dropped"`
	AgentDeltasReceived  int64 `json:"agent_deltas_received"`
	AgentFramesSent      int64 `json:"agent_frames_sent"`
	AgentFramesDropped   int64 `json:"agent_frames_dropped"`

	// Throughput
	BytesReceived int64 `json:"bytes_received"`
	BytesSent     int64 `json:"bytes_sent"`

	// Transcoding latency (microseconds)
	AverageLatencyUs int64 `json:"average_latency_us"`
	MaxLatencyUs     int64 `json:"max_latency_us"`

	// Protocol
	MalformedMessages int64 `json:"malformed_messages"`
	Interruptions     int64 `json:"interruptions"`
}

// BridgeMetrics tracks audio flow through one call bridge
type BridgeMetrics struct {
	stats MetricsSnapshot
	mu    sync.RWMutex
}

func (m *BridgeMetrics) recordCallerFrame(bytes int, started time.Time) {
	m.mu.Lock()
	m.stats.CallerFramesReceived++
	m.stats.BytesReceived += int64(bytes)
	m.mu.Unlock()
	m.updateLatency(time.Since(started).Microseconds())
}

func (m *BridgeMetrics) recordCallerDrop() {
	m.mu.Lock()
	m.stats.CallerFramesDropped++
	m.mu.Unlock()
}

func (m *BridgeMetrics) recordAgentDelta(started time.Time) {
	m.mu.Lock()
	m.stats.AgentDeltasReceived++
	m.mu.Unlock()
	m.updateLatency(time.Since(started).Microseconds())
}

func (m *BridgeMetrics) recordAgentFrame(bytes int, sent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !sent {
		m.stats.AgentFramesDropped++
		return
	}
	m.stats.AgentFramesSent++
	m.stats.BytesSent += int64(bytes)
}

func (m *BridgeMetrics) recordMalformed() {
	m.mu.Lock()
	m.stats.MalformedMessages++
	m.mu.Unlock()
}

func (m *BridgeMetrics) recordInterruption() {
	m.mu.Lock()
	m.stats.Interruptions++
	m.mu.Unlock()
}

// updateLatency keeps an exponential moving average and the peak
func (m *BridgeMetrics) updateLatency(latencyUs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stats.AverageLatencyUs == 0 {
		m.stats.AverageLatencyUs = latencyUs
	} else {
		m.stats.AverageLatencyUs = (m.stats.AverageLatencyUs*9 + latencyUs) / 10
	}

	if latencyUs > m.stats.MaxLatencyUs {
		m.stats.MaxLatencyUs = latencyUs
	}
}

// Snapshot returns a copy safe to serialize
func (m *BridgeMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
