// Package monitor implements the resource monitor: periodic sampling of CPU
// load, heap pressure, and scheduler timer lag, condensed into a coarse
// health label the router uses to prefer fast upstreams under pressure.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Health is the coarse system health label.
type Health string

const (
	Healthy  Health = "HEALTHY"
	Degraded Health = "DEGRADED"
	Critical Health = "CRITICAL"
)

// Thresholds classify a sample. Load is per-CPU 1-minute load average,
// heap is the fraction of the soft memory limit in use, lag is how late a
// short timer fires.
type Thresholds struct {
	LoadDegraded  float64
	LoadCritical  float64
	HeapDegraded  float64
	HeapCritical  float64
	LagDegradedMs float64
	LagCriticalMs float64
}

// DefaultThresholds returns the standard tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LoadDegraded:  0.8,
		LoadCritical:  1.5,
		HeapDegraded:  0.80,
		HeapCritical:  0.95,
		LagDegradedMs: 50,
		LagCriticalMs: 200,
	}
}

// Sample is one observation of system pressure.
type Sample struct {
	LoadPerCPU   float64   `json:"load_per_cpu"`
	HeapAllocMB  float64   `json:"heap_alloc_mb"`
	HeapFraction float64   `json:"heap_fraction"`
	TimerLagMs   float64   `json:"timer_lag_ms"`
	Health       Health    `json:"health"`
	At           time.Time `json:"at"`
}

// Monitor samples system pressure on demand or on a timer.
type Monitor struct {
	mu       sync.Mutex
	last     Sample
	th       Thresholds
	interval time.Duration
	log      *slog.Logger

	readLoad func() (float64, bool) // test hook
	lagProbe func() time.Duration
}

// New creates a monitor sampling every interval when run.
func New(th Thresholds, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		th:       th,
		interval: interval,
		log:      log,
		last:     Sample{Health: Healthy, At: time.Now()},
		readLoad: readLoadAvg,
		lagProbe: probeTimerLag,
	}
}

// readLoadAvg parses the 1-minute load average from /proc/loadavg.
func readLoadAvg() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// probeTimerLag measures how late a 10ms timer fires.
func probeTimerLag() time.Duration {
	const d = 10 * time.Millisecond
	start := time.Now()
	time.Sleep(d)
	lag := time.Since(start) - d
	if lag < 0 {
		return 0
	}
	return lag
}

// heapPressure returns heap bytes in use and the fraction of the soft
// memory limit consumed (0 when no limit is set).
func heapPressure() (allocMB, fraction float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	allocMB = float64(ms.HeapAlloc) / (1 << 20)

	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit < math.MaxInt64 {
		fraction = float64(ms.HeapAlloc) / float64(limit)
	}
	return allocMB, fraction
}

func (m *Monitor) classify(s *Sample) Health {
	h := Healthy
	bump := func(v, degraded, critical float64) {
		switch {
		case v >= critical:
			h = Critical
		case v >= degraded && h != Critical:
			h = Degraded
		}
	}
	bump(s.LoadPerCPU, m.th.LoadDegraded, m.th.LoadCritical)
	bump(s.HeapFraction, m.th.HeapDegraded, m.th.HeapCritical)
	bump(s.TimerLagMs, m.th.LagDegradedMs, m.th.LagCriticalMs)
	return h
}

// SampleNow takes one sample and updates the stored health.
func (m *Monitor) SampleNow() Sample {
	s := Sample{At: time.Now()}
	if load, ok := m.readLoad(); ok {
		s.LoadPerCPU = load / float64(runtime.NumCPU())
	}
	s.HeapAllocMB, s.HeapFraction = heapPressure()
	s.TimerLagMs = float64(m.lagProbe().Microseconds()) / 1000
	s.Health = m.classify(&s)

	m.mu.Lock()
	prev := m.last.Health
	m.last = s
	m.mu.Unlock()

	if s.Health != prev {
		m.log.Warn("system health changed", "from", prev, "to", s.Health,
			"load_per_cpu", s.LoadPerCPU, "heap_fraction", s.HeapFraction, "timer_lag_ms", s.TimerLagMs)
	}
	return s
}

// Health returns the most recent health label.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Health
}

// Healthy reports whether the last sample was HEALTHY.
func (m *Monitor) Healthy() bool { return m.Health() == Healthy }

// Last returns the most recent sample.
func (m *Monitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run samples until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SampleNow()
		}
	}
}
