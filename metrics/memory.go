package metrics

import (
	"slices"
	"sync"
	"time"
)

const maxSamples = 100

// InMemoryCollector keeps counters and timing samples in memory
type InMemoryCollector struct {
	mu sync.RWMutex

	sent        map[string]int64
	delivered   map[string]int64
	settlements map[string]map[Settlement]int64
	errors      map[string]int64
	timings     map[string]*timeStats
	backlog     map[string]Backlog
}

type timeStats struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
	samples []int64
}

// Backlog is the queue depth of one agent
type Backlog struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// NewInMemoryCollector creates an empty collector
func NewInMemoryCollector() *InMemoryCollector {
	c := &InMemoryCollector{}
	c.Reset()
	return c
}

// RecordSend implements Collector
func (c *InMemoryCollector) RecordSend(agent, messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[agent]++
}

// RecordDelivery implements Collector
func (c *InMemoryCollector) RecordDelivery(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered[agent]++
}

// RecordSettlement implements Collector
func (c *InMemoryCollector) RecordSettlement(agent string, settlement Settlement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settlements[agent] == nil {
		c.settlements[agent] = make(map[Settlement]int64)
	}
	c.settlements[agent][settlement]++
}

// RecordHandling implements Collector
func (c *InMemoryCollector) RecordHandling(agent, messageType string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.errors[agent]++
	}

	durationMs := duration.Milliseconds()
	stats, exists := c.timings[agent]
	if !exists {
		stats = &timeStats{
			minMs:   durationMs,
			maxMs:   durationMs,
			samples: make([]int64, 0, maxSamples),
		}
		c.timings[agent] = stats
	}

	stats.count++
	stats.totalMs += durationMs
	stats.minMs = min(stats.minMs, durationMs)
	stats.maxMs = max(stats.maxMs, durationMs)

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, durationMs)
}

// SetBacklog implements Collector
func (c *InMemoryCollector) SetBacklog(agent string, pending, inFlight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlog[agent] = Backlog{Pending: pending, InFlight: inFlight}
}

// Summary returns a copy of everything collected so far
func (c *InMemoryCollector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := Summary{
		Sent:            copyCounts(c.sent),
		Delivered:       copyCounts(c.delivered),
		HandlerErrors:   copyCounts(c.errors),
		Settlements:     make(map[string]map[Settlement]int64, len(c.settlements)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.timings)),
		Backlog:         make(map[string]Backlog, len(c.backlog)),
	}
	for agent, counts := range c.settlements {
		inner := make(map[Settlement]int64, len(counts))
		for k, v := range counts {
			inner[k] = v
		}
		summary.Settlements[agent] = inner
	}
	for agent, b := range c.backlog {
		summary.Backlog[agent] = b
	}

	for agent, stats := range c.timings {
		proc := ProcessingStats{
			Count: stats.count,
			MinMs: stats.minMs,
			MaxMs: stats.maxMs,
		}
		if stats.count > 0 {
			proc.AvgMs = stats.totalMs / stats.count
		}
		if len(stats.samples) > 0 {
			sorted := slices.Clone(stats.samples)
			slices.Sort(sorted)
			proc.P50Ms = percentile(sorted, 0.50)
			proc.P95Ms = percentile(sorted, 0.95)
			proc.P99Ms = percentile(sorted, 0.99)
		}
		summary.ProcessingStats[agent] = proc
	}
	return summary
}

// Reset clears all collected metrics
func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = make(map[string]int64)
	c.delivered = make(map[string]int64)
	c.settlements = make(map[string]map[Settlement]int64)
	c.errors = make(map[string]int64)
	c.timings = make(map[string]*timeStats)
	c.backlog = make(map[string]Backlog)
}

func percentile(sorted []int64, p float64) int64 {
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Summary is a snapshot of an InMemoryCollector, keyed by agent
type Summary struct {
	Sent            map[string]int64                `json:"sent"`
	Delivered       map[string]int64                `json:"delivered"`
	Settlements     map[string]map[Settlement]int64 `json:"settlements"`
	HandlerErrors   map[string]int64                `json:"handler_errors"`
	ProcessingStats map[string]ProcessingStats      `json:"processing_stats"`
	Backlog         map[string]Backlog              `json:"backlog"`
}

// ProcessingStats represents handler timing statistics for one agent
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

var _ Collector = (*InMemoryCollector)(nil)
