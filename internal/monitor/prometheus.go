package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade-executor/internal/execution"
)

// Recorder implements execution.Recorder using Prometheus and mirrors the
// counts into SystemMetrics.
type Recorder struct {
	reg *prometheus.Registry

	requests    *prometheus.CounterVec
	orders      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	queueErrors prometheus.Counter

	system *SystemMetrics
}

// NewRecorder registers the executor metrics on reg. A nil reg gets a fresh
// registry, so tests never collide on the global one.
func NewRecorder(reg *prometheus.Registry, system *SystemMetrics) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if system == nil {
		system = NewSystemMetrics()
	}
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_requests_total",
				Help: "Execution requests processed, by result",
			},
			[]string{"result"},
		),
		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_broker_orders_total",
				Help: "Per-broker order attempts, by outcome",
			},
			[]string{"broker", "status"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "executor_broker_latency_seconds",
				Help:    "Broker call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"broker", "op"},
		),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "executor_queue_depth",
			Help: "Requests waiting in the work queue",
		}),
		queueErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "executor_queue_errors_total",
			Help: "Requests that failed outside the per-broker boundary",
		}),
		system: system,
	}
}

func (r *Recorder) RequestProcessed(result string) {
	r.requests.WithLabelValues(result).Inc()
	r.system.IncrementRequests()
}

func (r *Recorder) BrokerOrder(brokerID, status string) {
	r.orders.WithLabelValues(brokerID, status).Inc()
	switch status {
	case execution.OutcomeExecuted:
		r.system.IncrementExecuted()
	case execution.OutcomeFailed:
		r.system.IncrementFailed()
	}
}

func (r *Recorder) BrokerLatency(brokerID, op string, d time.Duration) {
	r.latency.WithLabelValues(brokerID, op).Observe(d.Seconds())
	switch op {
	case "place_order":
		r.system.OrderLatency.RecordDuration(d)
	case "account":
		r.system.AccountLatency.RecordDuration(d)
	case "dispatch":
		r.system.DispatchLatency.RecordDuration(d)
	}
}

func (r *Recorder) QueueDepth(n int) { r.queueDepth.Set(float64(n)) }

func (r *Recorder) QueueError() {
	r.queueErrors.Inc()
	r.system.IncrementErrors()
}

// System returns the mirrored in-process metrics.
func (r *Recorder) System() *SystemMetrics { return r.system }

// Registry exposes the underlying registry for extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
