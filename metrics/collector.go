// Package metrics exposes message handling and delivery figures to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/outbox"
	"github.com/glimte/courier-go/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// Handling outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeRetried  = "retried"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Enqueue outcomes
const (
	OutcomeConfirmed = "confirmed"
	OutcomeRefused   = "refused"
)

// Collector holds the courier metrics
type Collector struct {
	Handled          *prometheus.CounterVec
	HandlingDuration *prometheus.HistogramVec
	Enqueued         *prometheus.CounterVec
	TransportStatus  prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg leaves them
// unregistered.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Handled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Subsystem: "messages",
				Name:      "handled_total",
				Help:      "Total number of handled messages by outcome",
			},
			[]string{"endpoint", "type", "outcome"},
		),
		HandlingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "courier",
				Subsystem: "messages",
				Name:      "handling_duration_seconds",
				Help:      "Message handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint", "type"},
		),
		Enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Subsystem: "messages",
				Name:      "enqueued_total",
				Help:      "Total number of messages handed to the transport by outcome",
			},
			[]string{"type", "outcome"},
		),
		TransportStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "courier",
				Subsystem: "transport",
				Name:      "status",
				Help:      "Transport status (0=stopped, 1=starting, 2=running)",
			},
		),
	}
	if reg == nil {
		return c, nil
	}
	for _, m := range []prometheus.Collector{c.Handled, c.HandlingDuration, c.Enqueued, c.TransportStatus} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveStatus tracks the transport status; pass it to OnStatusChanged.
func (c *Collector) ObserveStatus(_, current messaging.Status) {
	c.TransportStatus.Set(float64(current))
}

// Registration returns the metrics middleware placed between tracing and error handling, where
// it sees whether the message was retried or rejected.
func (c *Collector) Registration() pipeline.Registration {
	return pipeline.Registration{
		Middleware: &Middleware{collector: c},
		After:      []string{pipeline.NameTracing},
		Before:     []string{pipeline.NameErrorHandling},
	}
}

// Middleware records the outcome and duration of every handled message.
type Middleware struct {
	collector *Collector
}

func (m *Middleware) Name() string { return pipeline.NameMetrics }

func (m *Middleware) Handle(ctx context.Context, mc *messaging.MessageContext, next pipeline.Next) error {
	msg := mc.Message()
	if msg == nil {
		return next(ctx, mc)
	}
	endpoint, typ := mc.Endpoint().LogicalName, msg.ReflectedType().Name

	start := time.Now()
	err := next(ctx, mc)
	m.collector.HandlingDuration.WithLabelValues(endpoint, typ).Observe(time.Since(start).Seconds())

	outcome := OutcomeAccepted
	switch {
	case err != nil:
		outcome = OutcomeFailed
	case mc.Rejected():
		outcome = OutcomeRejected
	case mc.Retried():
		outcome = OutcomeRetried
	}
	m.collector.Handled.WithLabelValues(endpoint, typ, outcome).Inc()
	return err
}

// Deliverer wraps d and counts the outcome of every enqueue.
func (c *Collector) Deliverer(d outbox.Deliverer) outbox.Deliverer {
	return &countingDeliverer{next: d, collector: c}
}

type countingDeliverer struct {
	next      outbox.Deliverer
	collector *Collector
}

func (d *countingDeliverer) Enqueue(ctx context.Context, msg *contracts.Message) (bool, error) {
	ok, err := d.next.Enqueue(ctx, msg)
	outcome := OutcomeConfirmed
	switch {
	case err != nil:
		outcome = OutcomeFailed
	case !ok:
		outcome = OutcomeRefused
	}
	d.collector.Enqueued.WithLabelValues(msg.ReflectedType().Name, outcome).Inc()
	return ok, err
}
