// Package profiler records per-stage timings and counters for a batch run.
package profiler

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// StageStats is a snapshot of one tracked operation.
type StageStats struct {
	Name  string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Avg returns the mean duration, 0 when nothing was recorded.
func (s StageStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// MetricStats is a snapshot of one recorded metric.
type MetricStats struct {
	Name  string
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Avg returns the mean value, 0 when nothing was recorded.
func (m MetricStats) Avg() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// Profiler tracks operation timings and custom metrics. It is safe for
// concurrent use; stages are reported in the order they were first seen.
type Profiler struct {
	mu        sync.Mutex
	startTime time.Time

	order   []string
	stages  map[string]*StageStats
	metrics map[string]*MetricStats
	mOrder  []string
}

// New creates a profiler whose uptime starts now.
func New() *Profiler {
	return &Profiler{
		startTime: time.Now(),
		stages:    make(map[string]*StageStats),
		metrics:   make(map[string]*MetricStats),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.RecordDuration(name, time.Since(start))
	}
}

// RecordDuration adds one completed operation of the given duration.
func (p *Profiler) RecordDuration(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.stages[name]
	if !exists {
		tracker = &StageStats{Name: name, Min: duration, Max: duration}
		p.stages[name] = tracker
		p.order = append(p.order, name)
	}

	tracker.Total += duration
	tracker.Count++
	if duration < tracker.Min {
		tracker.Min = duration
	}
	if duration > tracker.Max {
		tracker.Max = duration
	}
}

// RecordMetric records a custom metric value.
//
// Arguments:
// - name: The name of the metric
// - value: The metric value to record
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.metrics[name]
	if !exists {
		tracker = &MetricStats{Name: name, Min: value, Max: value}
		p.metrics[name] = tracker
		p.mOrder = append(p.mOrder, name)
	}

	tracker.Sum += value
	tracker.Count++
	if value < tracker.Min {
		tracker.Min = value
	}
	if value > tracker.Max {
		tracker.Max = value
	}
}

// Stages returns a copy of every stage in first-seen order.
func (p *Profiler) Stages() []StageStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]StageStats, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, *p.stages[name])
	}
	return out
}

// Metrics returns a copy of every metric in first-seen order.
func (p *Profiler) Metrics() []MetricStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]MetricStats, 0, len(p.mOrder))
	for _, name := range p.mOrder {
		out = append(out, *p.metrics[name])
	}
	return out
}

// Uptime returns the time since New.
func (p *Profiler) Uptime() time.Duration {
	return time.Since(p.startTime)
}

// HeapAlloc returns the current heap allocation in human-readable form.
func HeapAlloc() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return formatBytes(m.HeapAlloc)
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
