// Package observability provides Prometheus metrics and structured logging.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
// All Record* methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Feed metrics
	FeedEvents        *prometheus.CounterVec
	FeedDecodeErrors  prometheus.Counter
	FeedHandlerPanics prometheus.Counter
	FeedReconnects    prometheus.Counter
	FeedConnected     prometheus.Gauge
	FeedWatchedMints  prometheus.Gauge

	// Analysis metrics
	CheckpointsFired  *prometheus.CounterVec
	Evaluations       prometheus.Counter
	EvaluationErrors  prometheus.Counter
	EvaluationLatency prometheus.Histogram
	SignalsEmitted    *prometheus.CounterVec
	TrackedMints      prometheus.Gauge

	// Bus metrics
	Deliveries *prometheus.CounterVec
	SinkErrors *prometheus.CounterVec

	// Tenant metrics
	SignalsReceived *prometheus.CounterVec
	InboxDropped    *prometheus.CounterVec
	BuysDiscarded   *prometheus.CounterVec
	PositionsOpened *prometheus.CounterVec
	OpenPositions   *prometheus.GaugeVec

	// Position metrics
	Exits          *prometheus.CounterVec
	SubmitFailures *prometheus.CounterVec
	PriceLookups   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pump_signal_engine"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FeedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Total number of upstream events decoded by kind",
		}, []string{"kind"}),
		FeedDecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "decode_errors_total",
			Help:      "Total number of upstream messages that failed to decode",
		}),
		FeedHandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "handler_panics_total",
			Help:      "Total number of recovered subscriber panics",
		}),
		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of upstream reconnect attempts",
		}),
		FeedConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 when the upstream connection is established",
		}),
		FeedWatchedMints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "watched_mints",
			Help:      "Number of mints with an active trade subscription",
		}),

		CheckpointsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "checkpoints_fired_total",
			Help:      "Total number of checkpoints fired by label",
		}, []string{"checkpoint"}),
		Evaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "evaluations_total",
			Help:      "Total number of evaluator calls",
		}),
		EvaluationErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "evaluation_errors_total",
			Help:      "Total number of evaluator failures degraded to SKIP",
		}),
		EvaluationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "evaluation_latency_seconds",
			Help:      "Evaluator call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		SignalsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "signals_total",
			Help:      "Total number of checkpoint outcomes by action",
		}, []string{"action"}),
		TrackedMints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "tracked_mints",
			Help:      "Number of mints with live analysis state",
		}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Total number of signal deliveries by status",
		}, []string{"status"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "sink_errors_total",
			Help:      "Total number of outward sink failures",
		}, []string{"sink"}),

		SignalsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "signals_received_total",
			Help:      "Total number of signals handed to a tenant inbox",
		}, []string{"tenant"}),
		InboxDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "inbox_dropped_total",
			Help:      "Total number of signals dropped on a full inbox",
		}, []string{"tenant"}),
		BuysDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "buys_discarded_total",
			Help:      "Total number of BUY signals discarded by reason",
		}, []string{"tenant", "reason"}),
		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened",
		}, []string{"tenant"}),
		OpenPositions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "open_positions",
			Help:      "Current number of open positions",
		}, []string{"tenant"}),

		Exits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "exits_total",
			Help:      "Total number of acknowledged sells by reason",
		}, []string{"tenant", "reason"}),
		SubmitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "submit_failures_total",
			Help:      "Total number of failed submits by side",
		}, []string{"tenant", "side"}),
		PriceLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "lookups_total",
			Help:      "Total number of price lookups by source and status",
		}, []string{"source", "status"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFeedEvent increments the decoded events counter.
func (m *Metrics) RecordFeedEvent(kind string) {
	if m == nil {
		return
	}
	m.FeedEvents.WithLabelValues(kind).Inc()
}

// RecordDecodeError increments the decode error counter.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.FeedDecodeErrors.Inc()
}

// RecordHandlerPanic increments the recovered subscriber panic counter.
func (m *Metrics) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.FeedHandlerPanics.Inc()
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.FeedReconnects.Inc()
}

// SetConnected updates the connection gauge.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.FeedConnected.Set(1)
		return
	}
	m.FeedConnected.Set(0)
}

// SetWatchedMints updates the watched mints gauge.
func (m *Metrics) SetWatchedMints(n int) {
	if m == nil {
		return
	}
	m.FeedWatchedMints.Set(float64(n))
}

// RecordCheckpoint records a fired checkpoint.
func (m *Metrics) RecordCheckpoint(label string) {
	if m == nil {
		return
	}
	m.CheckpointsFired.WithLabelValues(label).Inc()
}

// RecordEvaluation records one evaluator call.
func (m *Metrics) RecordEvaluation(seconds float64, err error) {
	if m == nil {
		return
	}
	m.Evaluations.Inc()
	m.EvaluationLatency.Observe(seconds)
	if err != nil {
		m.EvaluationErrors.Inc()
	}
}

// RecordSignal records a checkpoint outcome.
func (m *Metrics) RecordSignal(action string) {
	if m == nil {
		return
	}
	m.SignalsEmitted.WithLabelValues(action).Inc()
}

// SetTrackedMints updates the tracked mints gauge.
func (m *Metrics) SetTrackedMints(n int) {
	if m == nil {
		return
	}
	m.TrackedMints.Set(float64(n))
}

// RecordDelivery records one tenant delivery.
func (m *Metrics) RecordDelivery(status string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(status).Inc()
}

// RecordSinkError records an outward sink failure.
func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// RecordSignalReceived records a signal accepted by a tenant inbox.
func (m *Metrics) RecordSignalReceived(tenant string) {
	if m == nil {
		return
	}
	m.SignalsReceived.WithLabelValues(tenant).Inc()
}

// RecordInboxDropped records a signal dropped on a full inbox.
func (m *Metrics) RecordInboxDropped(tenant string) {
	if m == nil {
		return
	}
	m.InboxDropped.WithLabelValues(tenant).Inc()
}

// RecordBuyDiscarded records a BUY rejected by risk limits or execution.
func (m *Metrics) RecordBuyDiscarded(tenant, reason string) {
	if m == nil {
		return
	}
	m.BuysDiscarded.WithLabelValues(tenant, reason).Inc()
}

// RecordPositionOpened records a newly opened position.
func (m *Metrics) RecordPositionOpened(tenant string) {
	if m == nil {
		return
	}
	m.PositionsOpened.WithLabelValues(tenant).Inc()
}

// SetOpenPositions updates the open positions gauge for a tenant.
func (m *Metrics) SetOpenPositions(tenant string, n int) {
	if m == nil {
		return
	}
	m.OpenPositions.WithLabelValues(tenant).Set(float64(n))
}

// RecordExit records an acknowledged sell.
func (m *Metrics) RecordExit(tenant, reason string) {
	if m == nil {
		return
	}
	m.Exits.WithLabelValues(tenant, reason).Inc()
}

// RecordSubmitFailure records a failed submit.
func (m *Metrics) RecordSubmitFailure(tenant, side string) {
	if m == nil {
		return
	}
	m.SubmitFailures.WithLabelValues(tenant, side).Inc()
}

// RecordPriceLookup records a price lookup outcome.
func (m *Metrics) RecordPriceLookup(source string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "miss"
	}
	m.PriceLookups.WithLabelValues(source, status).Inc()
}
