// Package prometheus exposes orchestrator metrics via
// github.com/prometheus/client_golang, adapted from the teacher's
// graph/metrics.go PrometheusMetrics collector and generalized from
// run/node terms to place/token terms.
package prometheus

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/auroraworks/servicethread/instrument"
)

// Metrics is a Prometheus-backed instrument.Emitter. Unlike
// logemitter/bufferedemitter it does not retain per-event history: it
// folds each event into the gauge/histogram/counter it targets.
type Metrics struct {
	liveMarking        *prometheus.GaugeVec
	queueDepth         prometheus.Gauge
	invocationLatency  *prometheus.HistogramVec
	joinConsumedTotal  *prometheus.CounterVec
	terminateTotal     *prometheus.CounterVec
	backpressureTotal  prometheus.Counter
	forkTotal          *prometheus.CounterVec

	mu          sync.Mutex
	lastEnterAt map[int32]int64
}

// New creates and registers the metric set with registry. A nil
// registry uses prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		liveMarking: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "servicethread",
			Name:      "live_marking",
			Help:      "Current token count resident at a place",
		}, []string{"place"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "servicethread",
			Name:      "reactor_queue_depth",
			Help:      "Tokens currently buffered in the reactor queue",
		}),

		invocationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "servicethread",
			Name:      "invocation_latency_ms",
			Help:      "Service invocation duration in milliseconds, from ENTER to EXIT",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"place", "transition"}),

		joinConsumedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicethread",
			Name:      "join_consumed_total",
			Help:      "Cumulative count of join-consumed branch tokens",
		}, []string{"place"}),

		terminateTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicethread",
			Name:      "terminate_total",
			Help:      "Cumulative count of tokens reaching a terminate node",
		}, []string{"place"}),

		backpressureTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "servicethread",
			Name:      "backpressure_events_total",
			Help:      "Cumulative count of reactor enqueue operations that blocked on a full queue",
		}),

		forkTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicethread",
			Name:      "fork_total",
			Help:      "Cumulative count of child tokens produced by fork routing",
		}, []string{"place"}),

		lastEnterAt: make(map[int32]int64),
	}
}

func (m *Metrics) Emit(event instrument.Event) {
	switch event.EventType {
	case instrument.Enter:
		m.liveMarking.WithLabelValues(event.PlaceOrTransition).Set(float64(event.Marking))
		m.queueDepth.Set(float64(event.Buffer))
		m.mu.Lock()
		m.lastEnterAt[event.TokenID] = event.Timestamp
		m.mu.Unlock()
	case instrument.Exit:
		m.mu.Lock()
		start, ok := m.lastEnterAt[event.TokenID]
		delete(m.lastEnterAt, event.TokenID)
		m.mu.Unlock()
		if ok {
			m.invocationLatency.WithLabelValues(event.PlaceOrTransition, event.TransitionID).
				Observe(float64(event.Timestamp - start))
		}
	case instrument.Fork:
		m.forkTotal.WithLabelValues(event.PlaceOrTransition).Inc()
	case instrument.JoinConsumed:
		m.joinConsumedTotal.WithLabelValues(event.PlaceOrTransition).Inc()
	case instrument.Terminate:
		m.terminateTotal.WithLabelValues(event.PlaceOrTransition).Inc()
	}
}

func (m *Metrics) EmitBatch(_ context.Context, events []instrument.Event) error {
	for _, event := range events {
		m.Emit(event)
	}
	return nil
}

// Flush is a no-op: Prometheus metrics are scraped, not pushed.
func (m *Metrics) Flush(_ context.Context) error {
	return nil
}

// RecordBackpressure increments the backpressure counter. It is a direct
// call rather than an Event, since backpressure is a queue-level
// condition rather than a token lifecycle point. reactor.Reactor keeps
// its own BackpressureEvents counter and does not call this method.
func (m *Metrics) RecordBackpressure() {
	m.backpressureTotal.Inc()
}
