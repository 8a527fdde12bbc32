package metrics

import "sync"

// Event counter names. The server increments these on its hot paths; the
// /metrics endpoint exposes them for scraping.
const (
	FrameRelayed         = "frame_relayed"
	FrameMalformed       = "frame_malformed"
	FrameRateLimited     = "frame_rate_limited"
	RoutingMiss          = "routing_miss"
	BroadcastSendFailure = "broadcast_send_failure"
	SessionJoined        = "session_joined"
	SessionLeft          = "session_left"

	// Client-side counters (the terminal client reuses the same registry).
	DirectSend       = "direct_send"
	RelayFallback    = "relay_fallback"
	DuplicateDropped = "duplicate_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Keeping counters in-process keeps routing and dedup logic testable without
// a metrics backend; the Prometheus handler exports them on demand.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
