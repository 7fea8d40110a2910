// Package metrics exposes node and session counters. Components record
// through the narrow Sink interface so they never depend on Prometheus
// directly; Collector is the Prometheus-backed Sink.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink allows optional instrumentation without hard dependency.
type Sink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Metric names understood by Collector.
const (
	// Tags: command, status.
	CommandsTotal = "commands_total"
	// Tags: command. Value in seconds.
	CommandDuration = "command_duration_seconds"
	SessionsCreated = "sessions_created_total"
	// Tags: reason (teardown, aborted, reset).
	SessionsRemoved = "sessions_removed_total"
	// Tags: op.
	JournalErrors = "journal_errors_total"
)

// Discard is a Sink that records nothing.
var Discard Sink = discard{}

type discard struct{}

func (discard) IncCounter(string, map[string]string)                {}
func (discard) ObserveHistogram(string, float64, map[string]string) {}

// Collector records node metrics in a dedicated Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	sessionsCreated prometheus.Counter
	sessionsRemoved *prometheus.CounterVec
	journalErrors   *prometheus.CounterVec

	activeOnce sync.Once
	startTime  time.Time
}

// NewCollector creates a collector whose metrics are prefixed by namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "smc"
	}
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "handled_total",
			Help:      "Commands handled, by payload kind and reply status",
		},
		[]string{"command", "status"},
	)
	c.commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Time taken to handle a command",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"command"},
	)
	c.sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Sessions created by init",
	})
	c.sessionsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "removed_total",
			Help:      "Sessions removed, by reason",
		},
		[]string{"reason"},
	)
	c.journalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Failed journal writes",
		},
		[]string{"op"},
	)
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the collector was created",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	c.registry.MustRegister(
		c.commands,
		c.commandLatency,
		c.sessionsCreated,
		c.sessionsRemoved,
		c.journalErrors,
		uptime,
	)
	return c
}

// TrackActiveSessions registers a gauge reporting count() at scrape time.
// Only the first call has an effect.
func (c *Collector) TrackActiveSessions(namespace string, count func() int) {
	if namespace == "" {
		namespace = "smc"
	}
	c.activeOnce.Do(func() {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently registered",
		}, func() float64 { return float64(count()) }))
	})
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// IncCounter implements Sink. Unknown names are ignored.
func (c *Collector) IncCounter(name string, tags map[string]string) {
	switch name {
	case CommandsTotal:
		c.commands.WithLabelValues(tags["command"], tags["status"]).Inc()
	case SessionsCreated:
		c.sessionsCreated.Inc()
	case SessionsRemoved:
		c.sessionsRemoved.WithLabelValues(tags["reason"]).Inc()
	case JournalErrors:
		c.journalErrors.WithLabelValues(tags["op"]).Inc()
	}
}

// ObserveHistogram implements Sink. Unknown names are ignored.
func (c *Collector) ObserveHistogram(name string, value float64, tags map[string]string) {
	switch name {
	case CommandDuration:
		c.commandLatency.WithLabelValues(tags["command"]).Observe(value)
	}
}

var _ Sink = (*Collector)(nil)
