// Package metrics defines the Prometheus instruments of the hub, heartbeat
// monitor, scheduler and record store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskhub"

// Config controls the metrics listener.
type Config struct {
	Enable bool `toml:"enable"`
}

// Metrics holds every instrument. Construct with New; a nil *Metrics is
// not usable, use Discard in tests that do not care.
type Metrics struct {
	// heartbeat
	Pings          prometheus.Counter
	HeartMisses    prometheus.Counter
	HeartFailures  prometheus.Counter
	HeartsBeating  prometheus.Gauge
	CallbackPanics *prometheus.CounterVec

	// hub
	Registrations   *prometheus.CounterVec
	Unregistrations prometheus.Counter
	EnginesLive     prometheus.Gauge
	Queries         *prometheus.CounterVec
	Stranded        prometheus.Counter

	// scheduler
	TasksSubmitted  prometheus.Counter
	TasksFinished   *prometheus.CounterVec
	TasksQueued     prometheus.Gauge
	TasksDispatched *prometheus.CounterVec
	TaskRetries     prometheus.Counter

	// record store
	StoreOps      *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec

	gatherer   prometheus.Gatherer
	registerer prometheus.Registerer
}

// New registers the instruments with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Pings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "pings_total",
			Help: "Pings published by the heartbeat monitor.",
		}),
		HeartMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "misses_total",
			Help: "Ticks on which a known heart did not answer.",
		}),
		HeartFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "failures_total",
			Help: "Hearts declared failed after consecutive misses.",
		}),
		HeartsBeating: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "hearts",
			Help: "Hearts currently considered alive.",
		}),
		CallbackPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "handler_failures_total",
			Help: "Heartbeat handlers that panicked or returned an error.",
		}, []string{"event"}),

		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "registrations_total",
			Help: "Registration requests by outcome.",
		}, []string{"outcome"}),
		Unregistrations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "unregistrations_total",
			Help: "Engines removed, by request or heart failure.",
		}),
		EnginesLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "engines",
			Help: "Registered engines.",
		}),
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "queries_total",
			Help: "Client queries by type and status.",
		}, []string{"type", "status"}),
		Stranded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "stranded_tasks_total",
			Help: "Tasks failed with EngineError because their engine went away.",
		}),

		TasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "submitted_total",
			Help: "Tasks accepted by the scheduler.",
		}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "finished_total",
			Help: "Tasks finished, by status.",
		}, []string{"status"}),
		TasksQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "queued",
			Help: "Tasks waiting for dependencies or capacity.",
		}),
		TasksDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "dispatched_total",
			Help: "Tasks sent to engines, by policy.",
		}, []string{"policy"}),
		TaskRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "retries_total",
			Help: "Failed tasks resubmitted from their retry budget.",
		}),

		StoreOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recordstore", Name: "ops_total",
			Help: "Record store operations by op and outcome.",
		}, []string{"op", "outcome"}),
		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "recordstore", Name: "op_seconds",
			Help:    "Record store operation latency.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),

		gatherer:   reg,
		registerer: reg,
	}
}

// Discard returns instruments registered with a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveStore records one record store operation.
func (m *Metrics) ObserveStore(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreOps.WithLabelValues(op, outcome).Inc()
	m.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// WatchBusDrops exports the bus's discarded message count, read at scrape
// time.
func (m *Metrics) WatchBusDrops(dropped func() uint64) error {
	return m.registerer.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "dropped_messages_total",
		Help: "Messages discarded because a subscriber fell behind.",
	}, func() float64 { return float64(dropped()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
