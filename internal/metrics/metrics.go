package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "chatsync"

// Collector is a prometheus.Collector for realtime delivery. A nil *Collector
// records nothing.
type Collector struct {
	routedEvents       *prometheus.CounterVec
	selfEvents         prometheus.Counter
	duplicateInserts   prometheus.Counter
	staleFetches       prometheus.Counter
	subscriptionStates *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	fetchDuration      prometheus.Histogram
}

// NewCollector returns a new Collector
func NewCollector() *Collector {
	return &Collector{
		routedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "routed_events_total",
				Help:      "Change events routed to session state, by table and event type.",
			}, []string{"table", "event_type"},
		),
		selfEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "self_events_dropped_total",
				Help:      "Message inserts authored by the session user and skipped.",
			},
		),
		duplicateInserts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "duplicate_inserts_total",
				Help:      "Remote inserts ignored because the record was already present.",
			},
		),
		staleFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stale_fetches_discarded_total",
				Help:      "Record fetches that completed after their view was torn down.",
			},
		),
		subscriptionStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "subscription_transitions_total",
				Help:      "Subscription state transitions, by target kind and new state.",
			}, []string{"target", "state"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_sessions",
				Help:      "The number of connected sessions.",
			},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "record_fetch_seconds",
				Help:      "Time to fetch a full record after a bare change event.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.routedEvents.Describe(ch)
	c.selfEvents.Describe(ch)
	c.duplicateInserts.Describe(ch)
	c.staleFetches.Describe(ch)
	c.subscriptionStates.Describe(ch)
	c.activeSessions.Describe(ch)
	c.fetchDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.routedEvents.Collect(ch)
	c.selfEvents.Collect(ch)
	c.duplicateInserts.Collect(ch)
	c.staleFetches.Collect(ch)
	c.subscriptionStates.Collect(ch)
	c.activeSessions.Collect(ch)
	c.fetchDuration.Collect(ch)
}

func (c *Collector) EventRouted(table, eventType string) {
	if c != nil {
		c.routedEvents.WithLabelValues(table, eventType).Inc()
	}
}

func (c *Collector) SelfEventDropped() {
	if c != nil {
		c.selfEvents.Inc()
	}
}

func (c *Collector) DuplicateInsert() {
	if c != nil {
		c.duplicateInserts.Inc()
	}
}

func (c *Collector) StaleFetchDiscarded() {
	if c != nil {
		c.staleFetches.Inc()
	}
}

func (c *Collector) SubscriptionState(target, state string) {
	if c != nil {
		c.subscriptionStates.WithLabelValues(target, state).Inc()
	}
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.activeSessions.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.activeSessions.Dec()
	}
}

// ObserveFetch records a fetch duration in seconds
func (c *Collector) ObserveFetch(seconds float64) {
	if c != nil {
		c.fetchDuration.Observe(seconds)
	}
}

// Handler registers c on a fresh registry, together with the Go runtime
// collectors, and returns its scrape handler
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	reg.MustRegister(collectors.NewGoCollector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
