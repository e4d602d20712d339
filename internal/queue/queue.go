// Package queue holds the per-agent delivery queues of the bus.
//
// Every transition is journaled before it is applied and both happen under
// the queue lock, so the journal order always equals the order in which
// state changed in memory. A record is in exactly one place at a time: the
// ready heap of its agent, the delayed heap of its agent, or in flight.
package queue

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/internal/journal"
)

// Action is the transition a Verdict asks Settle to apply
type Action int

const (
	// ActionAck marks the delivery acked and removes it
	ActionAck Action = iota + 1
	// ActionRetry counts a failed attempt and requeues the delivery
	ActionRetry
	// ActionDeadLetter counts a failed attempt and removes the delivery
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Verdict is the decision of a Judge
type Verdict struct {
	Action        Action
	Reason        string
	NextAttemptAt time.Time
}

// Judge decides how an in-flight record settles. It runs under the queue
// lock and may perform the side effects that must precede the transition
// (such as writing a dead letter); returning an error aborts the settlement
// and leaves the record in flight.
type Judge func(rec *Record) (Verdict, error)

// Outcome reports what Settle did
type Outcome struct {
	Action Action
	// Record is the state after the transition
	Record *Record
	// Duplicate is set when the id had already settled; nothing changed
	Duplicate bool
	// Settled is the terminal state of a duplicate
	Settled journal.State
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending      int                   `json:"pending"`
	Delayed      int                   `json:"delayed"`
	InFlight     int                   `json:"inFlight"`
	Settled      int                   `json:"settled"`
	Enqueued     int64                 `json:"enqueued"`
	Delivered    int64                 `json:"delivered"`
	Acked        int64                 `json:"acked"`
	Retried      int64                 `json:"retried"`
	DeadLettered int64                 `json:"deadLettered"`
	Agents       map[string]AgentStats `json:"agents"`
}

// AgentStats is the backlog of one agent
type AgentStats struct {
	Pending  int `json:"pending"`
	Delayed  int `json:"delayed"`
	InFlight int `json:"inFlight"`
}

// RestoreStats summarizes a replay
type RestoreStats struct {
	Entries  int
	Restored int
	Settled  int
	Skipped  int
}

// Option configures a Queue
type Option func(*Queue)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock replaces time.Now for backoff gates and timestamps
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// Queue is the set of per-agent priority queues plus the in-flight table
type Queue struct {
	journal journal.Journal
	logger  *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	records map[string]*Record
	lanes   map[string]*lane
	settled map[string]journal.State
	seq     uint64
	changed chan struct{}
	closed  bool

	enqueued, delivered, acked, retried, deadLettered int64
}

// New creates an empty queue that journals through j
func New(j journal.Journal, opts ...Option) *Queue {
	q := &Queue{
		journal: j,
		logger:  slog.Default(),
		clock:   time.Now,
		records: make(map[string]*Record),
		lanes:   make(map[string]*lane),
		settled: make(map[string]journal.State),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue journals a send entry and admits env as pending. The queue keeps
// its own clone of env.
func (q *Queue) Enqueue(ctx context.Context, env *contracts.Envelope) (*Record, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if _, live := q.records[env.ID]; live {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDelivery, env.ID)
	}

	now := q.clock()
	rec := &Record{
		Envelope:   env.Clone(),
		Seq:        q.seq + 1,
		State:      journal.StatePending,
		EnqueuedAt: now,
		index:      -1,
	}
	if err := q.journal.Append(ctx, rec.entry(journal.EventSend, journal.StatePending, now)); err != nil {
		return nil, err
	}

	q.seq = rec.Seq
	q.admitLocked(rec, now)
	delete(q.settled, rec.ID())
	q.enqueued++
	q.broadcastLocked()

	q.logger.Debug("Envelope enqueued",
		"envelopeId", rec.ID(),
		"agent", rec.Agent(),
		"priority", rec.Envelope.Priority())
	return rec.Clone(), nil
}

// Dequeue waits up to timeout for a ready record addressed to agent and
// moves it in flight. An expired timeout returns nil, nil.
func (q *Queue) Dequeue(ctx context.Context, agent string, timeout time.Duration) (*Record, error) {
	return q.dequeue(ctx, timeout, func(name string) bool { return name == agent })
}

// DequeueAny is Dequeue across every agent accepted by filter; the best
// record wins regardless of which agent it belongs to. A nil filter accepts
// every agent.
func (q *Queue) DequeueAny(ctx context.Context, filter func(agent string) bool, timeout time.Duration) (*Record, error) {
	if filter == nil {
		filter = func(string) bool { return true }
	}
	return q.dequeue(ctx, timeout, filter)
}

func (q *Queue) dequeue(ctx context.Context, timeout time.Duration, accept func(string) bool) (*Record, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		rec, gate, err := q.takeLocked(ctx, accept)
		changed := q.changed
		q.mu.Unlock()

		if err != nil || rec != nil {
			return rec, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if gate > 0 && gate < wait {
			wait = gate
		}

		timer := time.NewTimer(wait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// takeLocked pops the best ready record among accepted lanes and journals
// its receive. When nothing is ready it returns the time until the earliest
// backoff gate among those lanes, or zero when there is none.
func (q *Queue) takeLocked(ctx context.Context, accept func(string) bool) (*Record, time.Duration, error) {
	now := q.clock()

	var (
		best     *lane
		gate     time.Duration
		haveGate bool
	)
	for agent, l := range q.lanes {
		if !accept(agent) {
			continue
		}
		l.promote(now)
		if top := l.peek(); top != nil && (best == nil || top.before(best.peek())) {
			best = l
		}
		if d, ok := l.gate(now); ok && (!haveGate || d < gate) {
			gate, haveGate = d, true
		}
	}
	if best == nil {
		return nil, gate, nil
	}

	rec := best.peek()
	next := *rec
	next.State = journal.StateInFlight
	next.Deliveries++
	next.DeliveredAt = now
	next.NextAttemptAt = time.Time{}
	if err := q.journal.Append(ctx, next.entry(journal.EventReceive, journal.StateInFlight, now)); err != nil {
		return nil, 0, err
	}

	best.pop()
	rec.State = next.State
	rec.Deliveries = next.Deliveries
	rec.DeliveredAt = next.DeliveredAt
	rec.NextAttemptAt = next.NextAttemptAt
	q.delivered++

	q.logger.Debug("Envelope delivered",
		"envelopeId", rec.ID(),
		"agent", rec.Agent(),
		"deliveries", rec.Deliveries,
		"attempts", rec.Attempts)
	return rec.Clone(), 0, nil
}

// Settle applies the verdict of judge to the in-flight record id. Settling
// an id that already reached a terminal state is a no-op reported through
// Outcome.Duplicate.
func (q *Queue) Settle(ctx context.Context, id string, judge Judge) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Outcome{}, ErrClosed
	}

	rec, live := q.records[id]
	if !live {
		if state, ok := q.settled[id]; ok {
			return Outcome{Duplicate: true, Settled: state}, nil
		}
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, id)
	}
	if rec.State != journal.StateInFlight {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotInFlight, id, rec.State)
	}

	verdict, err := judge(rec.Clone())
	if err != nil {
		return Outcome{}, err
	}

	now := q.clock()
	next := rec.Clone()
	var (
		event journal.Event
		state journal.State
	)
	switch verdict.Action {
	case ActionAck:
		event, state = journal.EventAck, journal.StateAcked
	case ActionRetry:
		event, state = journal.EventRetry, journal.StateFailedRetry
		next.Attempts++
		next.Errors = append(next.Errors, verdict.Reason)
		next.NextAttemptAt = verdict.NextAttemptAt
	case ActionDeadLetter:
		event, state = journal.EventDeadLetter, journal.StateDeadLettered
		next.Attempts++
		next.Errors = append(next.Errors, verdict.Reason)
		next.NextAttemptAt = time.Time{}
	default:
		return Outcome{}, fmt.Errorf("queue: unsupported action %v", verdict.Action)
	}

	if err := q.journal.Append(ctx, next.entry(event, state, now)); err != nil {
		return Outcome{}, err
	}

	switch verdict.Action {
	case ActionAck, ActionDeadLetter:
		next.State = state
		delete(q.records, id)
		q.settled[id] = state
		if verdict.Action == ActionAck {
			q.acked++
		} else {
			q.deadLettered++
		}
	case ActionRetry:
		rec.Attempts = next.Attempts
		rec.Errors = next.Errors
		rec.NextAttemptAt = next.NextAttemptAt
		rec.State = journal.StatePending
		q.laneFor(rec.Agent()).push(rec, now)
		q.retried++
		q.broadcastLocked()
		next.State = journal.StatePending
	}

	return Outcome{Action: verdict.Action, Record: next}, nil
}

// Requeue returns an in-flight record to pending, counting a failed
// attempt; it becomes deliverable again at next.
func (q *Queue) Requeue(ctx context.Context, id string, next time.Time, reason string) (*Record, error) {
	outcome, err := q.Settle(ctx, id, func(*Record) (Verdict, error) {
		return Verdict{Action: ActionRetry, Reason: reason, NextAttemptAt: next}, nil
	})
	if err != nil {
		return nil, err
	}
	if outcome.Duplicate {
		return nil, fmt.Errorf("%w: %s already %s", ErrNotInFlight, id, outcome.Settled)
	}
	return outcome.Record, nil
}

// Get returns a copy of a live record
func (q *Queue) Get(id string) (*Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Expired returns the ids of in-flight records delivered more than deadline
// before now, oldest arrival first.
func (q *Queue) Expired(now time.Time, deadline time.Duration) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*Record
	for _, rec := range q.records {
		if rec.State == journal.StateInFlight && now.Sub(rec.DeliveredAt) >= deadline {
			expired = append(expired, rec)
		}
	}
	slices.SortFunc(expired, func(a, b *Record) int { return cmp.Compare(a.Seq, b.Seq) })

	ids := make([]string, len(expired))
	for i, rec := range expired {
		ids[i] = rec.ID()
	}
	return ids
}

// Snapshot returns one entry per live record, in arrival order, describing
// its current state. Replaying the snapshot rebuilds the live queue.
func (q *Queue) Snapshot() []*journal.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Compact rewrites the journal with the current snapshot and returns the
// number of entries kept. Tombstones of settled deliveries do not survive
// a compaction.
func (q *Queue) Compact(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	entries := q.snapshotLocked()
	if err := q.journal.Rewrite(ctx, entries); err != nil {
		return 0, err
	}
	q.logger.Info("Journal compacted", "entries", len(entries), "settled", len(q.settled))
	return len(entries), nil
}

func (q *Queue) snapshotLocked() []*journal.Entry {
	live := make([]*Record, 0, len(q.records))
	for _, rec := range q.records {
		live = append(live, rec)
	}
	slices.SortFunc(live, func(a, b *Record) int { return cmp.Compare(a.Seq, b.Seq) })

	now := q.clock()
	entries := make([]*journal.Entry, 0, len(live))
	for _, rec := range live {
		event := journal.EventSend
		switch {
		case rec.State == journal.StateInFlight:
			event = journal.EventReceive
		case rec.Attempts > 0:
			event = journal.EventRetry
		}
		entry := rec.entry(event, rec.State, now)
		entry.Envelope = rec.Envelope.Clone()
		entries = append(entries, entry)
	}
	return entries
}

// Restore rebuilds the queue from replayed entries without journaling
// anything. Entries are folded per delivery id with the last entry winning,
// while the position of the first arrival is kept. Deliveries that were in
// flight come back pending with their attempts, backoff gate and error
// history intact; acked and dead-lettered ones are remembered as settled.
func (q *Queue) Restore(ctx context.Context, entries iter.Seq2[*journal.Entry, error]) (RestoreStats, error) {
	var stats RestoreStats

	folded := make(map[string]*Record)
	for entry, err := range entries {
		if err != nil {
			return stats, err
		}
		stats.Entries++

		if entry.Envelope == nil {
			stats.Skipped++
			q.logger.Warn("Skipping journal entry without envelope", "event", entry.Event)
			continue
		}
		if err := entry.Envelope.Validate(); err != nil {
			stats.Skipped++
			q.logger.Warn("Skipping journal entry with invalid envelope",
				"event", entry.Event,
				"error", err)
			continue
		}

		id := entry.ID()
		rec, seen := folded[id]
		if !seen {
			rec = &Record{Seq: uint64(len(folded) + 1), EnqueuedAt: entry.At, index: -1}
			folded[id] = rec
		}
		rec.Envelope = entry.Envelope
		rec.State = entry.EffectiveState()
		rec.Attempts = entry.Attempts
		if entry.History != nil {
			rec.Errors = slices.Clone(entry.History)
		} else if entry.Error != "" {
			rec.Errors = append(rec.Errors, entry.Error)
		}
		rec.NextAttemptAt = time.Time{}
		if entry.NextAttemptAt != nil {
			rec.NextAttemptAt = *entry.NextAttemptAt
		}
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) > 0 || len(q.settled) > 0 {
		return stats, ErrNotEmpty
	}

	ordered := make([]*Record, 0, len(folded))
	for _, rec := range folded {
		ordered = append(ordered, rec)
	}
	slices.SortFunc(ordered, func(a, b *Record) int { return cmp.Compare(a.Seq, b.Seq) })

	now := q.clock()
	for _, rec := range ordered {
		if rec.State.Terminal() {
			q.settled[rec.ID()] = rec.State
			stats.Settled++
			continue
		}
		rec.State = journal.StatePending
		q.admitLocked(rec, now)
		stats.Restored++
	}
	q.seq = uint64(len(ordered))
	q.broadcastLocked()

	return stats, nil
}

// Stats returns current counters and per-agent backlog
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Settled:      len(q.settled),
		Enqueued:     q.enqueued,
		Delivered:    q.delivered,
		Acked:        q.acked,
		Retried:      q.retried,
		DeadLettered: q.deadLettered,
		Agents:       make(map[string]AgentStats, len(q.lanes)),
	}
	for agent, l := range q.lanes {
		ready, delayed := l.size()
		a := stats.Agents[agent]
		a.Pending += ready + delayed
		a.Delayed += delayed
		stats.Agents[agent] = a
		stats.Pending += ready + delayed
		stats.Delayed += delayed
	}
	for _, rec := range q.records {
		if rec.State != journal.StateInFlight {
			continue
		}
		a := stats.Agents[rec.Agent()]
		a.InFlight++
		stats.Agents[rec.Agent()] = a
		stats.InFlight++
	}
	return stats
}

// Close wakes every waiter; later calls fail with ErrClosed
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue) admitLocked(rec *Record, now time.Time) {
	q.records[rec.ID()] = rec
	q.laneFor(rec.Agent()).push(rec, now)
}

func (q *Queue) laneFor(agent string) *lane {
	l, ok := q.lanes[agent]
	if !ok {
		l = &lane{}
		q.lanes[agent] = l
	}
	return l
}

// broadcastLocked wakes every goroutine blocked in Dequeue
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
