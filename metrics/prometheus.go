package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentbus"

// PrometheusCollector exports bus metrics through client_golang
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	sent        *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	settlements *prometheus.CounterVec
	handling    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	pending     *prometheus.GaugeVec
	inFlight    *prometheus.GaugeVec
}

// NewPrometheusCollector creates the bus metrics and registers them with
// registry; a nil registry gets a fresh one.
func NewPrometheusCollector(registry *prometheus.Registry) (*PrometheusCollector, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &PrometheusCollector{
		gatherer: registry,

		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Envelopes accepted for delivery",
		}, []string{"agent", "type"}),

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Envelopes handed to a consumer, redeliveries included",
		}, []string{"agent"}),

		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "In-flight deliveries settled, by outcome",
		}, []string{"agent", "outcome"}),

		handling: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in agent handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent", "type"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error",
		}, []string{"agent", "type"}),

		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Deliveries waiting for a consumer",
		}, []string{"agent"}),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Deliveries awaiting acknowledgement",
		}, []string{"agent"}),
	}

	for _, collector := range []prometheus.Collector{
		c.sent, c.delivered, c.settlements, c.handling, c.errors, c.pending, c.inFlight,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordSend implements Collector
func (c *PrometheusCollector) RecordSend(agent, messageType string) {
	c.sent.WithLabelValues(agent, messageType).Inc()
}

// RecordDelivery implements Collector
func (c *PrometheusCollector) RecordDelivery(agent string) {
	c.delivered.WithLabelValues(agent).Inc()
}

// RecordSettlement implements Collector
func (c *PrometheusCollector) RecordSettlement(agent string, settlement Settlement) {
	c.settlements.WithLabelValues(agent, string(settlement)).Inc()
}

// RecordHandling implements Collector
func (c *PrometheusCollector) RecordHandling(agent, messageType string, duration time.Duration, err error) {
	c.handling.WithLabelValues(agent, messageType).Observe(duration.Seconds())
	if err != nil {
		c.errors.WithLabelValues(agent, messageType).Inc()
	}
}

// SetBacklog implements Collector
func (c *PrometheusCollector) SetBacklog(agent string, pending, inFlight int) {
	c.pending.WithLabelValues(agent).Set(float64(pending))
	c.inFlight.WithLabelValues(agent).Set(float64(inFlight))
}

// Handler serves the registry in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

var _ Collector = (*PrometheusCollector)(nil)
