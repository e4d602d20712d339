package agentbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/interceptors"
	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/reliability"
	"github.com/lamcomm/agentbus/metrics"
)

type options struct {
	logger         *slog.Logger
	metrics        metrics.Collector
	clock          func() time.Time
	journal        journal.Journal
	deadLetters    journal.DeadLetterStore
	sinks          []reliability.DeadLetterSink
	interceptors   []interceptors.Interceptor
	handlerTimeout time.Duration
	backoff        reliability.BackoffPolicy
}

// Option configures a Bus
type Option func(*options)

// WithLogger sets the logger for the bus and its components
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector metrics.Collector) Option {
	return func(o *options) {
		o.metrics = collector
	}
}

// WithClock replaces time.Now for backoff gates and ack deadlines
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithJournal uses j instead of opening Config.JournalPath. The bus does
// not close a journal it did not open.
func WithJournal(j journal.Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithDeadLetterStore uses store instead of opening Config.DLQPath. The bus
// does not close a store it did not open.
func WithDeadLetterStore(store journal.DeadLetterStore) Option {
	return func(o *options) {
		o.deadLetters = store
	}
}

// WithSink adds a sink notified of every durable dead letter
func WithSink(sink reliability.DeadLetterSink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sink)
	}
}

// WithInterceptors appends interceptors to the Serve chain, after the
// built-in recovery, logging and metrics interceptors
func WithInterceptors(list ...interceptors.Interceptor) Option {
	return func(o *options) {
		o.interceptors = append(o.interceptors, list...)
	}
}

// WithHandlerTimeout bounds every handler run by Serve
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handlerTimeout = d
	}
}

// WithBackoff replaces the exponential curve built from Config.Backoff
func WithBackoff(policy reliability.BackoffPolicy) Option {
	return func(o *options) {
		o.backoff = policy
	}
}

type sendOptions struct {
	from     string
	typ      contracts.MessageType
	topic    string
	traceID  string
	priority int
	extra    map[string]any
}

// SendOption configures one Send
type SendOption func(*sendOptions)

// WithFrom names the sending agent; it is required
func WithFrom(agent string) SendOption {
	return func(o *sendOptions) {
		o.from = agent
	}
}

// WithType sets the message type; the default is task
func WithType(typ contracts.MessageType) SendOption {
	return func(o *sendOptions) {
		o.typ = typ
	}
}

// WithTopic sets the topic
func WithTopic(topic string) SendOption {
	return func(o *sendOptions) {
		o.topic = topic
	}
}

// WithTraceID correlates the envelope with an existing trace; a fresh one
// is generated otherwise
func WithTraceID(traceID string) SendOption {
	return func(o *sendOptions) {
		o.traceID = traceID
	}
}

// WithPriority sets the priority; higher is delivered first
func WithPriority(priority int) SendOption {
	return func(o *sendOptions) {
		o.priority = priority
	}
}

// WithMeta adds extra meta keys
func WithMeta(extra map[string]any) SendOption {
	return func(o *sendOptions) {
		if o.extra == nil {
			o.extra = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			o.extra[k] = v
		}
	}
}

func (o sendOptions) meta() (contracts.Meta, error) {
	meta := contracts.Meta{TraceID: o.traceID, Priority: o.priority}
	if len(o.extra) == 0 {
		return meta, nil
	}

	meta.Extra = make(map[string]contracts.Value, len(o.extra))
	for k, item := range o.extra {
		v, err := contracts.FromAny(item)
		if err != nil {
			return meta, &contracts.ValidationError{Field: "meta." + k, Message: fmt.Sprintf("not serializable: %v", err)}
		}
		meta.Extra[k] = v
	}
	return meta, nil
}
