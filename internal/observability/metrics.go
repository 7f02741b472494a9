package observability

import (
	"sync"
	"time"
)

// OpSnapshot summarizes one refund operation's call history.
type OpSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the full metrics view served on /metrics.
type Snapshot struct {
	UptimeSec        int64                 `json:"uptime_sec"`
	TotalRequests    int64                 `json:"total_requests"`
	TotalErrors      int64                 `json:"total_errors"`
	InFlight         int64                 `json:"in_flight"`
	RefundsDeclined  int64                 `json:"refunds_declined"`
	SweepRepublished int64                 `json:"sweep_republished"`
	DeadLettered     int64                 `json:"dead_lettered"`
	Operations       map[string]OpSnapshot `json:"operations"`
}

type opStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics collects in-process counters for the refund service.
type Metrics struct {
	mu               sync.Mutex
	start            time.Time
	operations       map[string]*opStats
	refundsDeclined  int64
	sweepRepublished int64
	deadLettered     int64
}

// CallSpan measures one operation call from Start to End.
type CallSpan struct {
	metrics *Metrics
	op      string
	start   time.Time
}

// NewMetrics constructs an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		start:      time.Now(),
		operations: make(map[string]*opStats),
	}
}

// Start opens a span for the named operation.
func (m *Metrics) Start(op string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureOp(op)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		op:      op,
		start:   time.Now(),
	}
}

// End closes the span, recording latency and outcome.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.op, dur, err != nil)
}

// AddDeclined counts a refund recorded as DECLINED.
func (m *Metrics) AddDeclined() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.refundsDeclined++
	m.mu.Unlock()
}

// AddSweepRepublished counts intents the sweeper re-published.
func (m *Metrics) AddSweepRepublished(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.sweepRepublished += n
	m.mu.Unlock()
}

// AddDeadLettered counts messages parked on the dead-letter stream.
func (m *Metrics) AddDeadLettered() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.deadLettered++
	m.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:        int64(time.Since(m.start).Seconds()),
		Operations:       make(map[string]OpSnapshot),
		RefundsDeclined:  m.refundsDeclined,
		SweepRepublished: m.sweepRepublished,
		DeadLettered:     m.deadLettered,
	}

	for op, stats := range m.operations {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Operations[op] = OpSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	return snap
}

func (m *Metrics) ensureOp(op string) *opStats {
	stats, ok := m.operations[op]
	if !ok {
		stats = &opStats{}
		m.operations[op] = stats
	}
	return stats
}

func (m *Metrics) finish(op string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureOp(op)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}
