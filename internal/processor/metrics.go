package processor

import (
	"sync/atomic"
	"time"
)

// ServiceMetrics are in-process dispatch counters, logged periodically.
type ServiceMetrics struct {
	processed  atomic.Int64
	failed     atomic.Int64
	durationNs atomic.Int64
	since      atomic.Int64
}

type MetricsSnapshot struct {
	Processed     int64   `json:"total_processed"`
	Failed        int64   `json:"total_failed"`
	RatePerSecond float64 `json:"rate_per_second"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func NewServiceMetrics() *ServiceMetrics {
	m := &ServiceMetrics{}
	m.since.Store(time.Now().UnixNano())
	return m
}

func (m *ServiceMetrics) RecordSuccess(duration time.Duration) {
	m.processed.Add(1)
	m.durationNs.Add(int64(duration))
}

func (m *ServiceMetrics) RecordFailure() {
	m.failed.Add(1)
}

func (m *ServiceMetrics) Snapshot() MetricsSnapshot {
	processed := m.processed.Load()
	elapsed := time.Since(time.Unix(0, m.since.Load())).Seconds()

	s := MetricsSnapshot{
		Processed:     processed,
		Failed:        m.failed.Load(),
		UptimeSeconds: elapsed,
	}
	if elapsed > 0 {
		s.RatePerSecond = float64(processed) / elapsed
	}
	if processed > 0 {
		s.AvgDurationMs = time.Duration(m.durationNs.Load() / processed).Milliseconds()
	}
	return s
}

func (m *ServiceMetrics) Reset() {
	m.processed.Store(0)
	m.failed.Store(0)
	m.durationNs.Store(0)
	m.since.Store(time.Now().UnixNano())
}
