package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/metrics"
	"github.com/cronfire/cronfire/internal/queue"
)

// overridable for tests
var timeNow = time.Now

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of one dependency probe.
type Check struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Metrics is the operational digest attached to a snapshot.
type Metrics struct {
	MemoryMB        float64 `json:"memory_mb"`
	QueueDepth      int64   `json:"queue_depth"`
	FailureRate     float64 `json:"failure_rate"`
	WindowEvents    int     `json:"window_events"`
	Stalled         int64   `json:"stalled_total"`
	MeanExecutionMS float64 `json:"mean_execution_ms"`
}

// Snapshot is one full health evaluation.
type Snapshot struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Metrics   Metrics          `json:"metrics"`
	Timestamp time.Time        `json:"timestamp"`
}

// Pinger probes a dependency's liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DepthReporter exposes the scheduled backlog size.
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

type eventRecord struct {
	at     time.Time
	failed bool
}

// Monitor periodically probes the queue and database, samples process memory
// and derives a failure rate from queue lifecycle events. The latest snapshot
// is kept for the health endpoint.
type Monitor struct {
	cfg   config.MonitoringConfig
	queue Pinger
	depth DepthReporter
	store Pinger
	proc  *process.Process

	mu      sync.Mutex
	events  []eventRecord
	stalled int64
	last    *Snapshot
}

// New builds a monitor over the queue adapter and the job store. Wire queue
// events with adapter.OnEvent(m.Observe).
func New(cfg config.MonitoringConfig, q Pinger, depth DepthReporter, store Pinger) *Monitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logs.Warn("[health] cannot attach to own process: %v", err)
	}
	return &Monitor{cfg: cfg, queue: q, depth: depth, store: store, proc: proc}
}

// Observe folds a queue lifecycle event into the rolling failure window.
func (m *Monitor) Observe(ev queue.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case queue.EventCompleted:
		m.events = append(m.events, eventRecord{at: timeNow(), failed: false})
	case queue.EventFailed:
		m.events = append(m.events, eventRecord{at: timeNow(), failed: true})
	case queue.EventStalled:
		m.stalled++
	}
}

// Snapshot returns the latest evaluation, probing on demand when none exists
// yet.
func (m *Monitor) Snapshot(ctx context.Context) *Snapshot {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last != nil {
		return last
	}
	return m.Probe(ctx)
}

// Probe runs every check once and stores the resulting snapshot.
func (m *Monitor) Probe(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Checks:    make(map[string]Check),
		Timestamp: timeNow().UTC(),
	}

	snap.Checks["queue"] = m.ping(ctx, m.queue)
	snap.Checks["database"] = m.ping(ctx, m.store)
	snap.Metrics = m.collect(ctx)

	snap.Status = StatusHealthy
	for name, check := range snap.Checks {
		if !check.OK {
			snap.Status = StatusUnhealthy
			logs.CtxWarn(ctx, "[health] check %s failing: %s", name, check.Message)
		}
	}
	if m.cfg.MemoryLimitMB > 0 && snap.Metrics.MemoryMB > float64(m.cfg.MemoryLimitMB) {
		snap.Status = StatusUnhealthy
		logs.CtxWarn(ctx, "[health] memory %.1fMB over limit %dMB", snap.Metrics.MemoryMB, m.cfg.MemoryLimitMB)
	}
	if m.cfg.QueueDepthThreshold > 0 && snap.Metrics.QueueDepth > m.cfg.QueueDepthThreshold {
		snap.Status = StatusUnhealthy
		logs.CtxWarn(ctx, "[health] queue depth %d over threshold %d", snap.Metrics.QueueDepth, m.cfg.QueueDepthThreshold)
	}
	if m.cfg.FailureRateThreshold > 0 && snap.Metrics.WindowEvents > 0 &&
		snap.Metrics.FailureRate > m.cfg.FailureRateThreshold {
		snap.Status = StatusUnhealthy
		logs.CtxWarn(ctx, "[health] failure rate %.2f over threshold %.2f",
			snap.Metrics.FailureRate, m.cfg.FailureRateThreshold)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap
}

// Run drives periodic probing until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.ProbeIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logs.CtxInfo(ctx, "[health] probing every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) ping(ctx context.Context, p Pinger) Check {
	if p == nil {
		return Check{OK: false, Message: "not configured"}
	}
	started := timeNow()
	err := p.Ping(ctx)
	check := Check{OK: err == nil, LatencyMS: timeNow().Sub(started).Milliseconds()}
	if err != nil {
		check.Message = err.Error()
	}
	return check
}

func (m *Monitor) collect(ctx context.Context) Metrics {
	var out Metrics

	if m.proc != nil {
		if info, err := m.proc.MemoryInfoWithContext(ctx); err == nil {
			out.MemoryMB = float64(info.RSS) / (1 << 20)
		}
	}
	if m.depth != nil {
		if depth, err := m.depth.Depth(ctx); err == nil {
			out.QueueDepth = depth
		}
	}

	retention := time.Duration(m.cfg.MetricsRetentionMin) * time.Minute
	if retention <= 0 {
		retention = time.Hour
	}
	cutoff := timeNow().Add(-retention)

	m.mu.Lock()
	kept := m.events[:0]
	var failed int
	for _, ev := range m.events {
		if ev.at.Before(cutoff) {
			continue
		}
		kept = append(kept, ev)
		if ev.failed {
			failed++
		}
	}
	m.events = kept
	out.WindowEvents = len(kept)
	out.Stalled = m.stalled
	m.mu.Unlock()

	if out.WindowEvents > 0 {
		out.FailureRate = float64(failed) / float64(out.WindowEvents)
	}
	out.MeanExecutionMS = meanExecutionMS()
	return out
}

// meanExecutionMS derives the lifetime mean fire duration from the process's
// own duration histogram.
func meanExecutionMS() float64 {
	families, err := metrics.GetRegistry().Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != "cronfire_execution_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			h := m.GetHistogram()
			if h.GetSampleCount() > 0 {
				return h.GetSampleSum() / float64(h.GetSampleCount()) * 1000
			}
		}
	}
	return 0
}

// String renders the status line used in logs.
func (s *Snapshot) String() string {
	return fmt.Sprintf("%s (depth=%d mem=%.0fMB failure_rate=%.2f)",
		s.Status, s.Metrics.QueueDepth, s.Metrics.MemoryMB, s.Metrics.FailureRate)
}
