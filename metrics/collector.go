// Package metrics records bus activity: sends, deliveries, settlements,
// handler timings and per-agent backlog.
package metrics

import "time"

// Settlement names how an in-flight delivery left flight
type Settlement string

const (
	SettlementAck        Settlement = "ack"
	SettlementRetry      Settlement = "retry"
	SettlementDeadLetter Settlement = "dead_letter"
)

// Collector receives bus events. Implementations must be safe for
// concurrent use.
type Collector interface {
	RecordSend(agent, messageType string)
	RecordDelivery(agent string)
	RecordSettlement(agent string, settlement Settlement)
	RecordHandling(agent, messageType string, duration time.Duration, err error)
	SetBacklog(agent string, pending, inFlight int)
}

// NoOpCollector discards everything
type NoOpCollector struct{}

func (NoOpCollector) RecordSend(string, string)                           {}
func (NoOpCollector) RecordDelivery(string)                               {}
func (NoOpCollector) RecordSettlement(string, Settlement)                 {}
func (NoOpCollector) RecordHandling(string, string, time.Duration, error) {}
func (NoOpCollector) SetBacklog(string, int, int)                         {}

var _ Collector = NoOpCollector{}
