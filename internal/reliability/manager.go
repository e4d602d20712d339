package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/queue"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAckDeadline    = 30 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultForwardBuffer  = 256
	DefaultForwardTimeout = 30 * time.Second

	// ReasonAckDeadline is recorded when a consumer never acknowledged
	ReasonAckDeadline = "ack deadline exceeded"
	// ReasonNegativeAck is recorded for a negative ack without a reason
	ReasonNegativeAck = "negative acknowledgement"
)

// DeadLetterSink is notified after a dead letter is durable. Sinks run on
// the manager's forwarding goroutine, never on the acknowledging caller.
type DeadLetterSink interface {
	ForwardDeadLetter(ctx context.Context, dl *journal.DeadLetter) error
}

// DeadLetterSinkFunc adapts a function to DeadLetterSink
type DeadLetterSinkFunc func(ctx context.Context, dl *journal.DeadLetter) error

// ForwardDeadLetter implements DeadLetterSink
func (f DeadLetterSinkFunc) ForwardDeadLetter(ctx context.Context, dl *journal.DeadLetter) error {
	return f(ctx, dl)
}

// Result describes how an acknowledgement settled
type Result struct {
	ID            string
	Agent         string
	Action        queue.Action
	Duplicate     bool
	Attempts      int
	NextAttemptAt time.Time
	Reason        string
	DeadLetter    *journal.DeadLetter
}

// Manager applies acknowledgements: acks settle, failures are retried with
// backoff until the attempt budget is spent, then dead-lettered. It also
// owns the sweeper that fails deliveries whose ack deadline passed.
type Manager struct {
	queue         *queue.Queue
	deadLetters   journal.DeadLetterStore
	policy        BackoffPolicy
	maxAttempts   int
	ackDeadline   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	clock         func() time.Time
	sinks         []DeadLetterSink
	observers     []func(Result)

	forwardBuffer  int
	forwardTimeout time.Duration
	forwardMu      sync.Mutex
	forwardClosed  bool
	forwards       chan *journal.DeadLetter
	forwardDone    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithMaxAttempts sets the failed attempts after which a delivery is
// dead-lettered
func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) {
		m.maxAttempts = n
	}
}

// WithBackoff sets the retry delay policy
func WithBackoff(policy BackoffPolicy) ManagerOption {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithAckDeadline sets how long a delivery may stay in flight
func WithAckDeadline(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ackDeadline = d
	}
}

// WithSweepInterval sets how often the sweeper looks for expired deliveries
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithManagerLogger sets the logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerClock replaces time.Now for backoff gates and deadlines
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithSink adds a dead-letter sink
func WithSink(sink DeadLetterSink) ManagerOption {
	return func(m *Manager) {
		m.sinks = append(m.sinks, sink)
	}
}

// WithForwarding sets how many dead letters may wait for the sinks and how
// long each sink call may take
func WithForwarding(buffer int, timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.forwardBuffer = buffer
		m.forwardTimeout = timeout
	}
}

// WithObserver registers a callback run after every settlement, including
// those made by the sweeper
func WithObserver(fn func(Result)) ManagerOption {
	return func(m *Manager) {
		m.observers = append(m.observers, fn)
	}
}

// NewManager creates a manager for q that dead-letters into store
func NewManager(q *queue.Queue, store journal.DeadLetterStore, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		queue:          q,
		deadLetters:    store,
		policy:         NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2),
		maxAttempts:    DefaultMaxAttempts,
		ackDeadline:    DefaultAckDeadline,
		sweepInterval:  DefaultSweepInterval,
		forwardBuffer:  DefaultForwardBuffer,
		forwardTimeout: DefaultForwardTimeout,
		logger:         slog.Default(),
		clock:          time.Now,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", m.maxAttempts)
	}
	if m.policy == nil {
		return nil, fmt.Errorf("backoff policy cannot be nil")
	}
	if m.forwardBuffer < 1 {
		return nil, fmt.Errorf("forward buffer must be at least 1, got %d", m.forwardBuffer)
	}

	m.forwardDone = make(chan struct{})
	if len(m.sinks) == 0 {
		close(m.forwardDone)
		m.forwardClosed = true
	} else {
		m.forwards = make(chan *journal.DeadLetter, m.forwardBuffer)
		go m.forwardLoop()
	}
	return m, nil
}

// MaxAttempts returns the attempt budget
func (m *Manager) MaxAttempts() int {
	return m.maxAttempts
}

// Ack settles the in-flight delivery id. A failure counts one attempt; the
// delivery is requeued behind its backoff gate while attempts remain and is
// dead-lettered once they are spent. Acknowledging an id that already
// settled changes nothing and reports Duplicate.
func (m *Manager) Ack(ctx context.Context, id string, success bool, reason string) (Result, error) {
	if !success && reason == "" {
		reason = ReasonNegativeAck
	}

	var dead *journal.DeadLetter
	outcome, err := m.queue.Settle(ctx, id, func(rec *queue.Record) (queue.Verdict, error) {
		if success {
			return queue.Verdict{Action: queue.ActionAck}, nil
		}

		attempts := rec.Attempts + 1
		if attempts < m.maxAttempts {
			return queue.Verdict{
				Action:        queue.ActionRetry,
				Reason:        reason,
				NextAttemptAt: m.clock().Add(m.policy.Delay(attempts)),
			}, nil
		}

		dl := &journal.DeadLetter{
			Envelope:   rec.Envelope,
			Attempts:   attempts,
			Reason:     reason,
			Errors:     append(slices.Clone(rec.Errors), reason),
			EnqueuedAt: rec.EnqueuedAt,
		}
		if err := m.deadLetters.Write(ctx, dl); err != nil {
			return queue.Verdict{}, &DeadLetterError{DeliveryID: id, Attempts: attempts, Err: err}
		}
		dead = dl
		return queue.Verdict{Action: queue.ActionDeadLetter, Reason: reason}, nil
	})
	if err != nil {
		if dead != nil {
			m.logger.Error("Dead letter written but journal append failed",
				"envelopeId", id,
				"error", err)
		}
		return Result{ID: id}, err
	}

	if outcome.Duplicate {
		m.logger.Debug("Ignoring acknowledgement of settled delivery",
			"envelopeId", id,
			"state", outcome.Settled)
		return Result{ID: id, Duplicate: true}, nil
	}

	rec := outcome.Record
	result := Result{
		ID:            id,
		Agent:         rec.Agent(),
		Action:        outcome.Action,
		Attempts:      rec.Attempts,
		NextAttemptAt: rec.NextAttemptAt,
		Reason:        reason,
		DeadLetter:    dead,
	}

	switch outcome.Action {
	case queue.ActionAck:
		m.logger.Debug("Envelope acknowledged", "envelopeId", id, "agent", result.Agent)
	case queue.ActionRetry:
		m.logger.Info("Envelope scheduled for retry",
			"envelopeId", id,
			"agent", result.Agent,
			"attempts", result.Attempts,
			"nextAttemptAt", result.NextAttemptAt,
			"reason", reason)
	case queue.ActionDeadLetter:
		m.logger.Warn("Envelope dead-lettered",
			"envelopeId", id,
			"agent", result.Agent,
			"attempts", result.Attempts,
			"reason", reason)
		m.forward(dead)
	}

	for _, observe := range m.observers {
		observe(result)
	}
	return result, nil
}

// forward queues dl for the sinks without waiting; a full queue drops the
// forward, the dead letter itself is already durable
func (m *Manager) forward(dl *journal.DeadLetter) {
	m.forwardMu.Lock()
	defer m.forwardMu.Unlock()

	if m.forwardClosed {
		return
	}
	select {
	case m.forwards <- dl:
	default:
		m.logger.Warn("Dead-letter forward queue full, not forwarding",
			"envelopeId", dl.Envelope.ID,
			"buffer", m.forwardBuffer)
	}
}

// forwardLoop notifies sinks; their failures never undo a dead letter
func (m *Manager) forwardLoop() {
	defer close(m.forwardDone)

	for dl := range m.forwards {
		for _, sink := range m.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), m.forwardTimeout)
			err := sink.ForwardDeadLetter(ctx, dl)
			cancel()
			if err != nil {
				m.logger.Warn("Failed to forward dead letter",
					"envelopeId", dl.Envelope.ID,
					"error", err)
			}
		}
	}
}

// SweepTimeouts fails every in-flight delivery whose ack deadline passed and
// returns how many it failed
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	var (
		swept int
		errs  []error
	)
	for _, id := range m.queue.Expired(m.clock(), m.ackDeadline) {
		_, err := m.Ack(ctx, id, false, ReasonAckDeadline)
		switch {
		case err == nil:
			swept++
		case errors.Is(err, queue.ErrNotInFlight), errors.Is(err, queue.ErrUnknownDelivery):
			// settled by its consumer since Expired ran
		default:
			errs = append(errs, fmt.Errorf("sweep %s: %w", id, err))
		}
	}
	if swept > 0 {
		m.logger.Info("Swept expired deliveries", "count", swept)
	}
	return swept, errors.Join(errs...)
}

// Start runs the sweeper until Stop is called or ctx ends
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if _, err := m.SweepTimeouts(ctx); err != nil {
				m.logger.Error("Timeout sweep failed", "error", err)
			}
		}
	}
}

// Stop halts the sweeper, then waits for queued dead letters to reach the
// sinks. Dead letters settled after Stop are not forwarded.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.startOnce.Do(func() {
		close(m.done)
	})
	<-m.done

	m.forwardMu.Lock()
	if !m.forwardClosed {
		m.forwardClosed = true
		close(m.forwards)
	}
	m.forwardMu.Unlock()
	<-m.forwardDone
}
