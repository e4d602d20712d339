// Package journal provides the durable, append-only record of envelope
// lifecycle events and the separate dead-letter stream.
//
// Every entry is self-describing: it carries the full envelope plus the
// delivery state after the transition, so the delivery queue can be rebuilt
// purely by replaying entries in append order.
package journal

import (
	"context"
	"iter"
	"time"

	"github.com/lamcomm/agentbus/contracts"
)

// Event names a lifecycle transition
type Event string

const (
	EventSend       Event = "send"
	EventReceive    Event = "receive"
	EventRetry      Event = "retry"
	EventAck        Event = "ack"
	EventDeadLetter Event = "dlq"
)

// State is the delivery state recorded with an entry
type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "in_flight"
	StateAcked        State = "acked"
	StateFailedRetry  State = "failed_retry"
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether no further transitions follow s
func (s State) Terminal() bool {
	return s == StateAcked || s == StateDeadLettered
}

// StateFor returns the state implied by an event when an entry omits it
func StateFor(event Event) State {
	switch event {
	case EventReceive:
		return StateInFlight
	case EventRetry:
		return StateFailedRetry
	case EventAck:
		return StateAcked
	case EventDeadLetter:
		return StateDeadLettered
	default:
		return StatePending
	}
}

// Entry is one journaled lifecycle transition
type Entry struct {
	Event         Event               `json:"event"`
	At            time.Time           `json:"at"`
	DeliveryID    string              `json:"delivery_id,omitempty"`
	State         State               `json:"state,omitempty"`
	Attempts      int                 `json:"attempts"`
	NextAttemptAt *time.Time          `json:"next_attempt_at,omitempty"`
	Error         string              `json:"error,omitempty"`
	History       []string            `json:"history,omitempty"`
	Envelope      *contracts.Envelope `json:"envelope"`
}

// ID returns the delivery id, falling back to the envelope id for entries
// written without one.
func (e *Entry) ID() string {
	if e.DeliveryID != "" {
		return e.DeliveryID
	}
	if e.Envelope != nil {
		return e.Envelope.ID
	}
	return ""
}

// EffectiveState returns the recorded state or the one implied by the event
func (e *Entry) EffectiveState() State {
	if e.State != "" {
		return e.State
	}
	return StateFor(e.Event)
}

// Journal is an append-only, replayable log of lifecycle entries
type Journal interface {
	// Append durably writes one entry. Once it returns nil the entry will be
	// replayed after a crash, in append order.
	Append(ctx context.Context, entry *Entry) error

	// Replay yields every entry in append order. Each call starts over from
	// the beginning; entries are read lazily.
	Replay(ctx context.Context) iter.Seq2[*Entry, error]

	// Rewrite atomically replaces the whole journal with entries
	Rewrite(ctx context.Context, entries []*Entry) error

	// Stats returns counters for entries appended through this handle
	Stats() Stats

	// Close releases the underlying resources
	Close() error
}

// Stats represents journal statistics
type Stats struct {
	Appended       int64           `json:"appended"`
	EntriesByEvent map[Event]int64 `json:"entriesByEvent"`
	Failures       int64           `json:"failures"`
	LastAppend     time.Time       `json:"lastAppend"`
	LastFailure    time.Time       `json:"lastFailure"`
	Path           string          `json:"path,omitempty"`
}

type statsTracker struct {
	stats Stats
}

func (t *statsTracker) record(entry *Entry, err error) {
	if err != nil {
		t.stats.Failures++
		t.stats.LastFailure = time.Now()
		return
	}
	if t.stats.EntriesByEvent == nil {
		t.stats.EntriesByEvent = make(map[Event]int64)
	}
	t.stats.Appended++
	t.stats.EntriesByEvent[entry.Event]++
	t.stats.LastAppend = time.Now()
}

func (t *statsTracker) snapshot() Stats {
	out := t.stats
	out.EntriesByEvent = make(map[Event]int64, len(t.stats.EntriesByEvent))
	for k, v := range t.stats.EntriesByEvent {
		out.EntriesByEvent[k] = v
	}
	return out
}
