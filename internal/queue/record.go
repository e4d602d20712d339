package queue

import (
	"slices"
	"time"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/internal/journal"
)

// Record is the bus-side delivery state of one envelope
type Record struct {
	Envelope      *contracts.Envelope
	Seq           uint64
	State         journal.State
	Attempts      int
	Deliveries    int
	EnqueuedAt    time.Time
	DeliveredAt   time.Time
	NextAttemptAt time.Time
	Errors        []string

	index int
}

// ID returns the delivery id, which is the envelope id
func (r *Record) ID() string {
	return r.Envelope.ID
}

// Agent returns the destination agent
func (r *Record) Agent() string {
	return r.Envelope.To
}

// LastError returns the most recent failure reason, if any
func (r *Record) LastError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1]
}

// Clone returns a copy that shares no mutable state with r
func (r *Record) Clone() *Record {
	out := *r
	out.Envelope = r.Envelope.Clone()
	out.Errors = slices.Clone(r.Errors)
	out.index = -1
	return &out
}

func (r *Record) entry(event journal.Event, state journal.State, at time.Time) *journal.Entry {
	entry := &journal.Entry{
		Event:      event,
		At:         at.UTC(),
		DeliveryID: r.ID(),
		State:      state,
		Attempts:   r.Attempts,
		History:    slices.Clone(r.Errors),
		Envelope:   r.Envelope,
	}
	if event == journal.EventRetry || event == journal.EventDeadLetter {
		entry.Error = r.LastError()
	}
	if !r.NextAttemptAt.IsZero() {
		next := r.NextAttemptAt.UTC()
		entry.NextAttemptAt = &next
	}
	return entry
}

// before reports whether r dequeues ahead of other: higher priority first,
// then earlier arrival.
func (r *Record) before(other *Record) bool {
	if p, q := r.Envelope.Priority(), other.Envelope.Priority(); p != q {
		return p > q
	}
	return r.Seq < other.Seq
}
