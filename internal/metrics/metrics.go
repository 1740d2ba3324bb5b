package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"icalsynchub/internal/model"
)

const namespace = "icalsynchub"

// Metrics holds the Prometheus collectors for sync cycles and tokens.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	fetchFailures prometheus.Counter
	eventsMerged  prometheus.Gauge
	eventsDropped prometheus.Gauge
	lastSuccess   prometheus.Gauge
	tokens        *prometheus.GaugeVec
	linksRemoved  prometheus.Counter
	linkErrors    prometheus.Counter
}

// MustNew creates the collectors and registers them with reg (the default
// registerer when nil). Registration errors panic, as promauto does.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a sync cycle.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "source_failures_total",
			Help:      "Sources that could not be fetched or parsed.",
		}),
		eventsMerged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_merged",
			Help:      "Events in the last published calendar.",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_filtered",
			Help:      "Events dropped by the date filter in the last cycle.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last published calendar.",
		}),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "count",
			Help:      "Access tokens by status at the last reap.",
		}, []string{"status"}),
		linksRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "links_removed_total",
			Help:      "Access links removed by the reaper.",
		}),
		linkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "link_errors_total",
			Help:      "Failed access link operations.",
		}),
	}

	reg.MustRegister(
		m.cycles, m.cycleDuration, m.fetchFailures, m.eventsMerged,
		m.eventsDropped, m.lastSuccess, m.tokens, m.linksRemoved, m.linkErrors,
	)
	return m
}

// Cycle is what a finished sync cycle reports.
type Cycle struct {
	Result         string
	Duration       time.Duration
	SourceFailures int
	Events         int
	Filtered       int
	Published      bool
	FinishedAt     time.Time
}

// ObserveCycle records one sync cycle.
func (m *Metrics) ObserveCycle(c Cycle) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(c.Result).Inc()
	m.cycleDuration.Observe(c.Duration.Seconds())
	m.fetchFailures.Add(float64(c.SourceFailures))
	if c.Published {
		m.eventsMerged.Set(float64(c.Events))
		m.eventsDropped.Set(float64(c.Filtered))
		m.lastSuccess.Set(float64(c.FinishedAt.Unix()))
	}
}

// SetTokenCounts replaces the per-status token gauges.
func (m *Metrics) SetTokenCounts(counts map[model.Status]int) {
	if m == nil {
		return
	}
	for _, st := range []model.Status{
		model.StatusActive, model.StatusExpiringToday,
		model.StatusExpiringThisWeek, model.StatusExpired,
	} {
		m.tokens.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// LinksRemoved counts links taken down by the reaper.
func (m *Metrics) LinksRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.linksRemoved.Add(float64(n))
}

// LinkError counts one failed link operation.
func (m *Metrics) LinkError() {
	if m == nil {
		return
	}
	m.linkErrors.Inc()
}
