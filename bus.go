// Package agentbus is a durable in-process message bus for named agents.
//
// Agents register under a name, send typed envelopes to each other and
// receive them in priority order. Every lifecycle transition is appended to
// a JSONL journal before it is applied, so a restarted bus rebuilds its
// queues by replaying the journal. Deliveries that are failed or not
// acknowledged in time are retried with exponential backoff and end up in
// a dead-letter file once their attempts are spent.
package agentbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/health"
	"github.com/lamcomm/agentbus/interceptors"
	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/queue"
	"github.com/lamcomm/agentbus/internal/reliability"
	"github.com/lamcomm/agentbus/metrics"
	"github.com/lamcomm/agentbus/transports/rabbitmq"
)

// DeadLetter is a delivery that exhausted its attempts
type DeadLetter = journal.DeadLetter

// DeadLetterFilter selects dead letters
type DeadLetterFilter = journal.DeadLetterFilter

// Delivery is an envelope handed to a consumer. It stays in flight until
// it is acknowledged, failed, or its ack deadline passes.
type Delivery struct {
	ID          string
	Agent       string
	Envelope    *contracts.Envelope
	Attempts    int
	Deliveries  int
	Errors      []string
	DeliveredAt time.Time
}

// Payload returns the payload as plain Go values
func (d *Delivery) Payload() map[string]any {
	return contracts.PayloadToMap(d.Envelope.Payload)
}

func newDelivery(rec *queue.Record) *Delivery {
	return &Delivery{
		ID:          rec.ID(),
		Agent:       rec.Agent(),
		Envelope:    rec.Envelope,
		Attempts:    rec.Attempts,
		Deliveries:  rec.Deliveries,
		Errors:      rec.Errors,
		DeliveredAt: rec.DeliveredAt,
	}
}

// Stats is a point-in-time view of the bus
type Stats struct {
	Agents  []string      `json:"agents"`
	Queue   queue.Stats   `json:"queue"`
	Journal journal.Stats `json:"journal"`
}

// Bus routes envelopes between registered agents
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics metrics.Collector

	journal     journal.Journal
	deadLetters journal.DeadLetterStore
	queue       *queue.Queue
	manager     *reliability.Manager
	forwarder   *rabbitmq.DeadLetterForwarder
	chain       *interceptors.Chain
	closers     []func() error

	mu     sync.RWMutex
	agents map[string]any

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New opens the journal and dead-letter files named by cfg, replays the
// journal and starts the ack deadline sweeper
func New(cfg Config, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{
		logger:  slog.Default(),
		metrics: metrics.NoOpCollector{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bus{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
		agents:  make(map[string]any),
	}

	if err := b.open(o); err != nil {
		b.closeResources()
		return nil, err
	}

	b.manager.Start(context.Background())
	b.logger.Info("Bus started",
		"journal", cfg.JournalPath,
		"dlq", cfg.DLQPath,
		"maxAttempts", cfg.MaxAttempts)
	return b, nil
}

func (b *Bus) open(o options) error {
	fileOpts := []journal.FileOption{
		journal.WithSync(b.cfg.SyncWrites),
		journal.WithLogger(b.logger),
	}

	b.journal = o.journal
	if b.journal == nil {
		fj, err := journal.OpenFile(b.cfg.JournalPath, fileOpts...)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		b.journal = fj
		b.closers = append(b.closers, fj.Close)
	}

	b.deadLetters = o.deadLetters
	if b.deadLetters == nil {
		store, err := journal.OpenDeadLetterFile(b.cfg.DLQPath, fileOpts...)
		if err != nil {
			return fmt.Errorf("failed to open dead-letter file: %w", err)
		}
		b.deadLetters = store
		b.closers = append(b.closers, store.Close)
	}

	b.queue = queue.New(b.journal,
		queue.WithLogger(b.logger),
		queue.WithClock(o.clock))

	ctx := context.Background()
	restored, err := b.queue.Restore(ctx, b.journal.Replay(ctx))
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	if restored.Entries > 0 {
		b.logger.Info("Journal replayed",
			"entries", restored.Entries,
			"restored", restored.Restored,
			"settled", restored.Settled,
			"skipped", restored.Skipped)
	}

	sinks := o.sinks
	if amqpCfg := b.cfg.DeadLetterAMQP; amqpCfg.URL != "" {
		forwarder, err := rabbitmq.NewDeadLetterForwarder(rabbitmq.ForwarderConfig{
			URL:        amqpCfg.URL,
			Exchange:   amqpCfg.Exchange,
			RoutingKey: amqpCfg.RoutingKey,
		}, rabbitmq.WithLogger(b.logger))
		if err != nil {
			return fmt.Errorf("failed to configure dead-letter forwarding: %w", err)
		}
		b.forwarder = forwarder
		b.closers = append(b.closers, forwarder.Close)
		sinks = append(sinks, forwarder)
	}

	policy := o.backoff
	if policy == nil {
		policy = reliability.NewExponentialBackoff(
			b.cfg.Backoff.Base.Std(),
			b.cfg.Backoff.Cap.Std(),
			b.cfg.Backoff.Multiplier)
	}

	managerOpts := []reliability.ManagerOption{
		reliability.WithMaxAttempts(b.cfg.MaxAttempts),
		reliability.WithBackoff(policy),
		reliability.WithAckDeadline(b.cfg.AckDeadline.Std()),
		reliability.WithSweepInterval(b.cfg.SweepInterval.Std()),
		reliability.WithManagerLogger(b.logger),
		reliability.WithManagerClock(o.clock),
		reliability.WithObserver(b.observe),
	}
	for _, sink := range sinks {
		managerOpts = append(managerOpts, reliability.WithSink(sink))
	}
	manager, err := reliability.NewManager(b.queue, b.deadLetters, managerOpts...)
	if err != nil {
		return err
	}
	b.manager = manager

	builder := interceptors.NewChainBuilder(b.logger).
		WithRecovery().
		WithLogging().
		WithMetrics(b.metrics)
	if o.handlerTimeout > 0 {
		builder.WithTimeout(o.handlerTimeout)
	}
	for _, interceptor := range o.interceptors {
		builder.WithCustom(interceptor)
	}
	b.chain = builder.Build()
	return nil
}

// RegisterAgent makes name routable. handle is kept for Serve and may be
// nil for agents that only poll with Receive.
func (b *Bus) RegisterAgent(name string, handle any) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if name == "" {
		return &ValidationError{Field: "name", Message: "agent name is required"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.agents[name]; exists {
		return &DuplicateAgentError{Name: name}
	}
	b.agents[name] = handle
	b.logger.Info("Agent registered", "agent", name)
	return nil
}

// UnregisterAgent stops routing to name. Envelopes already queued for it
// stay queued and become receivable again if the name is registered anew.
func (b *Bus) UnregisterAgent(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.agents[name]; !exists {
		return &UnknownAgentError{Name: name}
	}
	delete(b.agents, name)
	b.logger.Info("Agent unregistered", "agent", name)
	return nil
}

// Agents lists registered agent names in sorted order
func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.agents))
	for name := range b.agents {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (b *Bus) registered(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[name]
	return ok
}

func (b *Bus) handle(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.agents[name]
	return h, ok
}

// Send builds an envelope for to and enqueues it, returning its id.
// Malformed input fails with *ValidationError before routing is checked,
// and an unregistered recipient fails with *UnknownAgentError before
// anything is journaled.
func (b *Bus) Send(ctx context.Context, to string, payload map[string]any, opts ...SendOption) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}

	so := sendOptions{typ: contracts.TypeTask}
	for _, opt := range opts {
		opt(&so)
	}
	meta, err := so.meta()
	if err != nil {
		return "", err
	}

	env, err := contracts.New(to, so.from, so.typ, so.topic, payload, meta)
	if err != nil {
		return "", err
	}
	return b.SendEnvelope(ctx, env)
}

// SendEnvelope enqueues a prebuilt envelope
func (b *Bus) SendEnvelope(ctx context.Context, env *contracts.Envelope) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	if !b.registered(env.To) {
		return "", &UnknownAgentError{Name: env.To}
	}

	rec, err := b.queue.Enqueue(ctx, env)
	if err != nil {
		b.logger.Error("Failed to enqueue envelope",
			"envelopeId", env.ID,
			"agent", env.To,
			"error", err)
		return "", err
	}

	b.metrics.RecordSend(rec.Agent(), string(rec.Envelope.Type))
	b.updateBacklog(rec.Agent())
	b.logger.Debug("Envelope sent",
		"envelopeId", rec.ID(),
		"agent", rec.Agent(),
		"from", rec.Envelope.From,
		"type", rec.Envelope.Type,
		"traceId", rec.Envelope.Meta.TraceID)
	return rec.ID(), nil
}

// Receive waits up to timeout for the next envelope addressed to agent. A
// timeout <= 0 uses Config.ReceiveTimeout. An expired timeout returns
// nil, nil and leaves the queue untouched.
func (b *Bus) Receive(ctx context.Context, agent string, timeout time.Duration) (*Delivery, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if !b.registered(agent) {
		return nil, &UnknownAgentError{Name: agent}
	}

	rec, err := b.queue.Dequeue(ctx, agent, b.receiveTimeout(timeout))
	return b.delivered(rec, err)
}

// ReceiveAny is Receive across every registered agent; the best envelope
// wins regardless of its recipient
func (b *Bus) ReceiveAny(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	rec, err := b.queue.DequeueAny(ctx, b.registered, b.receiveTimeout(timeout))
	return b.delivered(rec, err)
}

func (b *Bus) receiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return b.cfg.ReceiveTimeout.Std()
	}
	return timeout
}

func (b *Bus) delivered(rec *queue.Record, err error) (*Delivery, error) {
	if err != nil || rec == nil {
		return nil, err
	}
	b.metrics.RecordDelivery(rec.Agent())
	b.updateBacklog(rec.Agent())
	return newDelivery(rec), nil
}

// Ack settles an in-flight delivery. success=false counts a failed attempt
// and schedules a retry or dead-letters the envelope. Acknowledging a
// delivery that already settled is a no-op.
func (b *Bus) Ack(ctx context.Context, id string, success bool) error {
	return b.settle(ctx, id, success, "")
}

// Fail is a negative Ack that records reason in the delivery's history
func (b *Bus) Fail(ctx context.Context, id string, reason string) error {
	return b.settle(ctx, id, false, reason)
}

func (b *Bus) settle(ctx context.Context, id string, success bool, reason string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	_, err := b.manager.Ack(ctx, id, success, reason)
	return err
}

// observe runs after every settlement, including sweeps
func (b *Bus) observe(result reliability.Result) {
	switch result.Action {
	case queue.ActionAck:
		b.metrics.RecordSettlement(result.Agent, metrics.SettlementAck)
	case queue.ActionRetry:
		b.metrics.RecordSettlement(result.Agent, metrics.SettlementRetry)
	case queue.ActionDeadLetter:
		b.metrics.RecordSettlement(result.Agent, metrics.SettlementDeadLetter)
	}
	b.updateBacklog(result.Agent)
}

func (b *Bus) updateBacklog(agent string) {
	backlog := b.queue.Stats().Agents[agent]
	b.metrics.SetBacklog(agent, backlog.Pending, backlog.InFlight)
}

// SweepTimeouts fails every delivery whose ack deadline passed. The bus
// runs it every Config.SweepInterval; calling it directly is for tests and
// tooling.
func (b *Bus) SweepTimeouts(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.manager.SweepTimeouts(ctx)
}

// Compact rewrites the journal so it only holds live deliveries
func (b *Bus) Compact(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.queue.Compact(ctx)
}

// DeadLetters lists dead letters matching filter
func (b *Bus) DeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	return b.deadLetters.List(ctx, filter)
}

// Stats returns a point-in-time view of the bus
func (b *Bus) Stats() Stats {
	return Stats{
		Agents:  b.Agents(),
		Queue:   b.queue.Stats(),
		Journal: b.journal.Stats(),
	}
}

// RegisterHealthChecks adds the bus checkers to registry
func (b *Bus) RegisterHealthChecks(registry *health.Registry, backlogWarn, backlogCrit, deadLetterThreshold int) {
	registry.Register(health.NewJournalChecker(b.journal))
	registry.Register(health.NewBacklogChecker(b.queue, backlogWarn, backlogCrit))
	registry.Register(health.NewDeadLetterChecker(b.deadLetters, deadLetterThreshold))
	if b.forwarder != nil {
		registry.Register(health.NewBreakerChecker(b.forwarder.Breaker()))
	}
	registry.Register(health.NewComponentChecker("bus", func(ctx context.Context) (health.Status, string, map[string]any, error) {
		agents := b.Agents()
		details := map[string]any{"agents": agents}
		if b.closed.Load() {
			return health.StatusUnhealthy, "Bus is closed", details, ErrClosed
		}
		return health.StatusHealthy, fmt.Sprintf("%d agents registered", len(agents)), details, nil
	}))
}

// Close stops the sweeper, wakes blocked receivers and closes the files the
// bus opened
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.manager.Stop()
		b.queue.Close()
		b.closeErr = b.closeResources()
		b.logger.Info("Bus closed")
	})
	return b.closeErr
}

func (b *Bus) closeResources() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
