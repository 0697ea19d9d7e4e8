package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process collectors and the list-specific instruments.
// All instruments are safe for concurrent use.
type Registry struct {
	reg *prometheus.Registry

	// Commands counts executed commands by action and outcome
	// (ok, rejected, conflict, error).
	Commands *prometheus.CounterVec
	// ConflictRetries counts re-runs caused by a concurrent append.
	ConflictRetries prometheus.Counter
	// EventsAppended counts committed events by type tag.
	EventsAppended *prometheus.CounterVec
	// ReplayEvents observes how many events were folded per reconstruction.
	ReplayEvents prometheus.Histogram
	// ProjectedEvents counts events consumed by the projection sink by type
	// and outcome.
	ProjectedEvents *prometheus.CounterVec
	// HTTPRequests counts requests by method, route pattern and status.
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration records request latency by method and route pattern.
	HTTPDuration *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nowlater_commands_total",
			Help: "Commands executed against list aggregates.",
		}, []string{"action", "outcome"}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nowlater_conflict_retries_total",
			Help: "Command re-runs after a concurrent modification.",
		}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nowlater_events_appended_total",
			Help: "Events committed to the event log.",
		}, []string{"event_type"}),
		ReplayEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nowlater_replay_events",
			Help:    "Events folded per list reconstruction.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ProjectedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nowlater_projected_events_total",
			Help: "Events consumed by the projection sink.",
		}, []string{"event_type", "outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Commands,
		r.ConflictRetries,
		r.EventsAppended,
		r.ReplayEvents,
		r.ProjectedEvents,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

var Default = NewRegistry()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

// MustRegister adds process-specific collectors to the registry.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}
