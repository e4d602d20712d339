package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/queue"
	"github.com/lamcomm/agentbus/internal/reliability"
)

// JournalStats is implemented by journals
type JournalStats interface {
	Stats() journal.Stats
}

// JournalChecker reports unhealthy while the most recent append failed and
// degraded once any append has failed
type JournalChecker struct {
	journal JournalStats
}

// NewJournalChecker creates a journal checker
func NewJournalChecker(j JournalStats) *JournalChecker {
	return &JournalChecker{journal: j}
}

func (c *JournalChecker) Name() string {
	return "journal"
}

func (c *JournalChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.journal.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"appended": stats.Appended,
			"failures": stats.Failures,
			"path":     stats.Path,
		},
	}

	switch {
	case stats.Failures > 0 && stats.LastFailure.After(stats.LastAppend):
		result.Status = StatusUnhealthy
		result.Message = "Last journal append failed"
	case stats.Failures > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Journal recovered after %d failed appends", stats.Failures)
	default:
		result.Status = StatusHealthy
		result.Message = "Journal is accepting appends"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueStats is implemented by the delivery queue
type QueueStats interface {
	Stats() queue.Stats
}

// BacklogChecker flags agents whose pending deliveries exceed thresholds
type BacklogChecker struct {
	queue             QueueStats
	warningThreshold  int
	criticalThreshold int
}

// NewBacklogChecker creates a backlog checker; a zero threshold disables it
func NewBacklogChecker(q QueueStats, warningThreshold, criticalThreshold int) *BacklogChecker {
	return &BacklogChecker{
		queue:             q,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *BacklogChecker) Name() string {
	return "backlog"
}

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.queue.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Backlog is within limits",
		Details: map[string]any{
			"pending":   stats.Pending,
			"delayed":   stats.Delayed,
			"in_flight": stats.InFlight,
		},
	}

	for agent, backlog := range stats.Agents {
		switch {
		case c.criticalThreshold > 0 && backlog.Pending >= c.criticalThreshold:
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("Agent %s has %d pending deliveries", agent, backlog.Pending)
		case c.warningThreshold > 0 && backlog.Pending >= c.warningThreshold && result.Status == StatusHealthy:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("Agent %s has %d pending deliveries", agent, backlog.Pending)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DeadLetterChecker reports degraded once dead letters reach a threshold
type DeadLetterChecker struct {
	store     journal.DeadLetterStore
	threshold int
}

// NewDeadLetterChecker creates a dead-letter checker
func NewDeadLetterChecker(store journal.DeadLetterStore, threshold int) *DeadLetterChecker {
	return &DeadLetterChecker{store: store, threshold: threshold}
}

func (c *DeadLetterChecker) Name() string {
	return "dead_letters"
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	letters, err := c.store.List(ctx, journal.DeadLetterFilter{})
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to read dead letters"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["count"] = len(letters)
	if c.threshold > 0 && len(letters) >= c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d dead letters need attention", len(letters))
	} else {
		result.Status = StatusHealthy
		result.Message = "Dead letters below threshold"
	}

	result.Duration = time.Since(start)
	return result
}

// BreakerChecker reports the state of a circuit breaker guarding an
// external sink
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a circuit breaker checker
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "circuit_" + c.breaker.Name()
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	m := c.breaker.Metrics()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":          m.State.String(),
			"total_failures": m.TotalFailures,
		},
	}

	// An open breaker only stops forwarding; local dead letters are intact
	switch m.State {
	case reliability.CircuitClosed:
		result.Status = StatusHealthy
		result.Message = "Circuit closed"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Circuit %s", m.State)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "runtime"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
