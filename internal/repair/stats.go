package repair

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the engine's monitoring counters. All increments are atomic;
// Snapshot returns a consistent-enough copy for reporting.
type Stats struct {
	SessionsStarted    atomic.Uint64
	SessionsCompleted  atomic.Uint64
	SessionsAborted    atomic.Uint64
	SessionsFailed     atomic.Uint64
	EntriesUpdated     atomic.Uint64
	EntriesRegenerated atomic.Uint64
	ResolvesSent       atomic.Uint64
	Conflicts          atomic.Uint64
	BytesSent          atomic.Uint64
	BytesReceived      atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	SessionsStarted    uint64 `json:"sessions_started"`
	SessionsCompleted  uint64 `json:"sessions_completed"`
	SessionsAborted    uint64 `json:"sessions_aborted"`
	SessionsFailed     uint64 `json:"sessions_failed"`
	EntriesUpdated     uint64 `json:"entries_updated"`
	EntriesRegenerated uint64 `json:"entries_regenerated"`
	ResolvesSent       uint64 `json:"resolves_sent"`
	Conflicts          uint64 `json:"conflicts"`
	BytesSent          uint64 `json:"bytes_sent"`
	BytesReceived      uint64 `json:"bytes_received"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SessionsStarted:    s.SessionsStarted.Load(),
		SessionsCompleted:  s.SessionsCompleted.Load(),
		SessionsAborted:    s.SessionsAborted.Load(),
		SessionsFailed:     s.SessionsFailed.Load(),
		EntriesUpdated:     s.EntriesUpdated.Load(),
		EntriesRegenerated: s.EntriesRegenerated.Load(),
		ResolvesSent:       s.ResolvesSent.Load(),
		Conflicts:          s.Conflicts.Load(),
		BytesSent:          s.BytesSent.Load(),
		BytesReceived:      s.BytesReceived.Load(),
	}
}

// Collector adapts Stats to a Prometheus collector so the counters appear
// on the node's /metrics endpoint without double bookkeeping.
type Collector struct {
	stats *Stats

	sessionsStarted    *prometheus.Desc
	sessionsCompleted  *prometheus.Desc
	sessionsAborted    *prometheus.Desc
	sessionsFailed     *prometheus.Desc
	entriesUpdated     *prometheus.Desc
	entriesRegenerated *prometheus.Desc
	conflicts          *prometheus.Desc
	bytesSent          *prometheus.Desc
	bytesReceived      *prometheus.Desc
}

// NewCollector creates a Prometheus collector over the given stats.
func NewCollector(stats *Stats) *Collector {
	return &Collector{
		stats:              stats,
		sessionsStarted:    prometheus.NewDesc("repair_sessions_started_total", "Reconciliation sessions started.", nil, nil),
		sessionsCompleted:  prometheus.NewDesc("repair_sessions_completed_total", "Reconciliation sessions completed.", nil, nil),
		sessionsAborted:    prometheus.NewDesc("repair_sessions_aborted_total", "Reconciliation sessions aborted.", nil, nil),
		sessionsFailed:     prometheus.NewDesc("repair_sessions_failed_total", "Reconciliation sessions failed.", nil, nil),
		entriesUpdated:     prometheus.NewDesc("repair_entries_updated_total", "Outdated entries replaced by a newer replica version.", nil, nil),
		entriesRegenerated: prometheus.NewDesc("repair_entries_regenerated_total", "Missing entries regenerated from a remote replica.", nil, nil),
		conflicts:          prometheus.NewDesc("repair_conflicts_total", "Equal-version value conflicts reported.", nil, nil),
		bytesSent:          prometheus.NewDesc("repair_bytes_sent_total", "Wire bytes sent by the repair engine.", nil, nil),
		bytesReceived:      prometheus.NewDesc("repair_bytes_received_total", "Wire bytes received by the repair engine.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsStarted
	ch <- c.sessionsCompleted
	ch <- c.sessionsAborted
	ch <- c.sessionsFailed
	ch <- c.entriesUpdated
	ch <- c.entriesRegenerated
	ch <- c.conflicts
	ch <- c.bytesSent
	ch <- c.bytesReceived
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v uint64) prometheus.Metric {
		return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	s := c.stats.Snapshot()

	ch <- counter(c.sessionsStarted, s.SessionsStarted)
	ch <- counter(c.sessionsCompleted, s.SessionsCompleted)
	ch <- counter(c.sessionsAborted, s.SessionsAborted)
	ch <- counter(c.sessionsFailed, s.SessionsFailed)
	ch <- counter(c.entriesUpdated, s.EntriesUpdated)
	ch <- counter(c.entriesRegenerated, s.EntriesRegenerated)
	ch <- counter(c.conflicts, s.Conflicts)
	ch <- counter(c.bytesSent, s.BytesSent)
	ch <- counter(c.bytesReceived, s.BytesReceived)
}
