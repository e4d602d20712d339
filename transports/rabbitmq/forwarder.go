// Package rabbitmq mirrors dead letters to a RabbitMQ exchange so operators
// can consume them with their usual tooling. It is not an agent transport:
// agents only ever talk through the in-process bus.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the forwarder uses
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel and returns it with the connection that owns it
type Dialer func(url string) (Channel, io.Closer, error)

// DialAMQP dials a real broker
func DialAMQP(url string) (Channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// ForwarderConfig locates the dead-letter exchange
type ForwarderConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// ForwarderOption configures the forwarder
type ForwarderOption func(*DeadLetterForwarder)

// WithDialer replaces DialAMQP
func WithDialer(dial Dialer) ForwarderOption {
	return func(f *DeadLetterForwarder) {
		f.dial = dial
	}
}

// WithCircuitBreaker guards publishes with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ForwarderOption {
	return func(f *DeadLetterForwarder) {
		f.breaker = cb
	}
}

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) ForwarderOption {
	return func(f *DeadLetterForwarder) {
		f.confirmTimeout = timeout
	}
}

// WithPublishRetries sets publish attempts per dead letter and their backoff
func WithPublishRetries(attempts int, policy reliability.BackoffPolicy) ForwarderOption {
	return func(f *DeadLetterForwarder) {
		f.publishAttempts = attempts
		f.policy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ForwarderOption {
	return func(f *DeadLetterForwarder) {
		f.logger = logger
	}
}

// DeadLetterForwarder publishes dead letters to a topic exchange. The
// connection is opened lazily and reopened after any failure.
type DeadLetterForwarder struct {
	cfg             ForwarderConfig
	dial            Dialer
	breaker         *reliability.CircuitBreaker
	policy          reliability.BackoffPolicy
	publishAttempts int
	confirmTimeout  time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	ch       Channel
	conn     io.Closer
	confirms chan amqp.Confirmation
	closed   bool
}

// NewDeadLetterForwarder creates a forwarder; nothing is dialed yet
func NewDeadLetterForwarder(cfg ForwarderConfig, opts ...ForwarderOption) (*DeadLetterForwarder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfiguration)
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "agentbus.dlq"
	}

	f := &DeadLetterForwarder{
		cfg:             cfg,
		dial:            DialAMQP,
		policy:          reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2),
		publishAttempts: 3,
		confirmTimeout:  5 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.breaker == nil {
		f.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("dlq-forwarder"),
			reliability.WithFailureThreshold(3),
			reliability.WithBreakerLogger(f.logger),
		)
	}
	return f, nil
}

// Breaker returns the circuit breaker guarding publishes
func (f *DeadLetterForwarder) Breaker() *reliability.CircuitBreaker {
	return f.breaker
}

// RoutingKey returns the key a dead letter is published with
func (f *DeadLetterForwarder) RoutingKey(dl *journal.DeadLetter) string {
	if f.cfg.RoutingKey != "" {
		return f.cfg.RoutingKey
	}
	return "dead_letter." + dl.Envelope.To
}

// ForwardDeadLetter publishes dl and waits for the broker confirm
func (f *DeadLetterForwarder) ForwardDeadLetter(ctx context.Context, dl *journal.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dl.Envelope.ID,
		Timestamp:    dl.DeadLetteredAt,
		Type:         "dead_letter",
		Body:         body,
		Headers: amqp.Table{
			"x-agent":         dl.Envelope.To,
			"x-from":          dl.Envelope.From,
			"x-attempt-count": int32(dl.Attempts),
			"x-reason":        dl.Reason,
			"x-trace-id":      dl.Envelope.Meta.TraceID,
		},
	}
	key := f.RoutingKey(dl)

	return f.breaker.Execute(ctx, func() error {
		return reliability.Retry(ctx, f.policy, f.publishAttempts, func() error {
			if err := f.publish(ctx, key, msg); err != nil {
				f.logger.Debug("Dead letter publish failed",
					"envelopeId", dl.Envelope.ID,
					"exchange", f.cfg.Exchange,
					"error", err)
				return &PublishError{Exchange: f.cfg.Exchange, RoutingKey: key, DeliveryID: dl.Envelope.ID, Err: err}
			}
			return nil
		})
	})
}

func (f *DeadLetterForwarder) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return reliability.RetryableError{Err: ErrForwarderClosed, Retryable: false}
	}
	if err := f.ensureChannelLocked(); err != nil {
		return err
	}

	if err := f.ch.PublishWithContext(ctx, f.cfg.Exchange, key, false, false, msg); err != nil {
		f.resetLocked()
		return fmt.Errorf("failed to publish: %w", err)
	}

	timer := time.NewTimer(f.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-f.confirms:
		if !ok {
			f.resetLocked()
			return ErrPublishNotConfirmed
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: delivery tag %d was nacked", ErrPublishNotConfirmed, confirm.DeliveryTag)
		}
		return nil
	case <-timer.C:
		f.resetLocked()
		return ErrPublishTimeout
	case <-ctx.Done():
		f.resetLocked()
		return ctx.Err()
	}
}

func (f *DeadLetterForwarder) ensureChannelLocked() error {
	if f.ch != nil {
		return nil
	}

	ch, conn, err := f.dial(f.cfg.URL)
	if err != nil {
		return &ConnectionError{Op: "dial", URL: SanitizeURL(f.cfg.URL), Err: err, Timestamp: time.Now()}
	}
	if err := ch.Confirm(false); err != nil {
		closeQuietly(ch, conn)
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(f.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		closeQuietly(ch, conn)
		return fmt.Errorf("failed to declare exchange %s: %w", f.cfg.Exchange, err)
	}

	f.ch = ch
	f.conn = conn
	f.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	f.logger.Info("Connected dead-letter forwarder",
		"url", SanitizeURL(f.cfg.URL),
		"exchange", f.cfg.Exchange)
	return nil
}

func (f *DeadLetterForwarder) resetLocked() {
	if f.ch == nil {
		return
	}
	closeQuietly(f.ch, f.conn)
	f.ch = nil
	f.conn = nil
	f.confirms = nil
}

// Close releases the broker connection
func (f *DeadLetterForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.resetLocked()
	return nil
}

func closeQuietly(ch Channel, conn io.Closer) {
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

var _ reliability.DeadLetterSink = (*DeadLetterForwarder)(nil)
