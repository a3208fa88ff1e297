// Package metrics provides failure and performance reports over processing
// history, and in-memory runtime statistics of the running workers.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"lessonflow/internal/models"
)

// StageMetrics holds aggregated runtime metrics for one stage and preset.
type StageMetrics struct {
	Count     int64
	Failures  int64
	Degraded  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// StageSnapshot provides computed stats from raw metrics.
type StageSnapshot struct {
	Stage       models.Stage `json:"stage"`
	Preset      string       `json:"preset"`
	Count       int64        `json:"count"`
	Failures    int64        `json:"failures"`
	Degraded    int64        `json:"degraded"`
	TotalTimeMs int64        `json:"total_time_ms"`
	AvgTimeMs   float64      `json:"avg_time_ms"`
	MinTimeMs   int64        `json:"min_time_ms"`
	MaxTimeMs   int64        `json:"max_time_ms"`
}

// Snapshot represents the runtime statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	Stages        []StageSnapshot `json:"stages"`
	Retries       int64           `json:"retries"`
	DeadLettered  int64           `json:"dead_lettered"`
	Cancelled     int64           `json:"cancelled"`
	NotifyErrors  int64           `json:"notify_errors"`
}

type stageKey struct {
	stage  models.Stage
	preset string
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	stages    map[stageKey]*StageMetrics

	retries      int64
	deadLettered int64
	cancelled    int64
	notifyErrors int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		stages:    make(map[stageKey]*StageMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones.
// Caller must hold write lock.
func (c *Collector) getOrCreate(k stageKey) *StageMetrics {
	m, ok := c.stages[k]
	if !ok {
		m = &StageMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.stages[k] = m
	}
	return m
}

// ObserveStage records one stage run.
func (c *Collector) ObserveStage(stage models.Stage, preset string, seconds float64, success, degraded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := time.Duration(seconds * float64(time.Second))
	m := c.getOrCreate(stageKey{stage, preset})
	m.Count++
	m.TotalTime += d
	if !success {
		m.Failures++
	}
	if degraded {
		m.Degraded++
	}
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// RecordRetry counts a job sent back to the queue with backoff.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
}

// RecordDeadLetter counts a job that exhausted its attempts.
func (c *Collector) RecordDeadLetter() {
	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
}

// RecordCancelled counts a lesson stopped at a stage boundary.
func (c *Collector) RecordCancelled() {
	c.mu.Lock()
	c.cancelled++
	c.mu.Unlock()
}

// RecordNotifyError counts a status notification that could not be delivered.
func (c *Collector) RecordNotifyError() {
	c.mu.Lock()
	c.notifyErrors++
	c.mu.Unlock()
}

func snapshotStage(k stageKey, m *StageMetrics) StageSnapshot {
	return StageSnapshot{
		Stage:       k.stage,
		Preset:      k.preset,
		Count:       m.Count,
		Failures:    m.Failures,
		Degraded:    m.Degraded,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Stages:        make([]StageSnapshot, 0, len(c.stages)),
		Retries:       c.retries,
		DeadLettered:  c.deadLettered,
		Cancelled:     c.cancelled,
		NotifyErrors:  c.notifyErrors,
	}
	for k, m := range c.stages {
		if m.Count == 0 {
			continue
		}
		s.Stages = append(s.Stages, snapshotStage(k, m))
	}
	sort.Slice(s.Stages, func(i, j int) bool {
		a, b := s.Stages[i], s.Stages[j]
		if a.Stage != b.Stage {
			return a.Stage.Index() < b.Stage.Index()
		}
		return a.Preset < b.Preset
	})
	return s
}
