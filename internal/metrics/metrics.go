// Package metrics holds the Prometheus collectors of the pipeline. A nil
// *Pipeline is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pipeline struct {
	registry *prometheus.Registry

	Events            *prometheus.CounterVec
	EventErrors       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	Triggers          *prometheus.CounterVec
	TriggerErrors     *prometheus.CounterVec
	CascadeAborts     prometheus.Counter
	BroadcastSessions prometheus.Gauge
	BlobRetries       prometheus.Counter
	Connections       prometheus.Gauge
}

func New() *Pipeline {
	p := &Pipeline{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_events_total",
			Help: "Events processed by the pipeline.",
		}, []string{"type", "derived"}),
		EventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_event_errors_total",
			Help: "Events rejected or failed, by error code.",
		}, []string{"type", "code"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaychat_event_duration_seconds",
			Help:    "Time spent processing one event, including its cascade when inline.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_triggers_total",
			Help: "Trigger handler runs.",
		}, []string{"trigger"}),
		TriggerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_trigger_errors_total",
			Help: "Trigger handler failures.",
		}, []string{"trigger"}),
		CascadeAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_trigger_cascade_aborts_total",
			Help: "Derived event cascades stopped at the configured cap.",
		}),
		BroadcastSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_broadcast_sessions",
			Help: "Sessions known to the broadcast registry.",
		}),
		BlobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_blob_retries_total",
			Help: "Retried document store calls.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_ws_active_connections",
			Help: "Open websocket connections.",
		}),
	}
	p.registry.MustRegister(
		p.Events, p.EventErrors, p.EventDuration,
		p.Triggers, p.TriggerErrors, p.CascadeAborts,
		p.BroadcastSessions, p.BlobRetries, p.Connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Pipeline) ObserveEvent(eventType string, derived bool, started time.Time, code string) {
	if p == nil {
		return
	}
	label := "false"
	if derived {
		label = "true"
	}
	p.Events.WithLabelValues(eventType, label).Inc()
	p.EventDuration.WithLabelValues(eventType).Observe(time.Since(started).Seconds())
	if code != "" {
		p.EventErrors.WithLabelValues(eventType, code).Inc()
	}
}

func (p *Pipeline) ObserveTrigger(name string, err error) {
	if p == nil {
		return
	}
	p.Triggers.WithLabelValues(name).Inc()
	if err != nil {
		p.TriggerErrors.WithLabelValues(name).Inc()
	}
}

func (p *Pipeline) CascadeAborted() {
	if p != nil {
		p.CascadeAborts.Inc()
	}
}

func (p *Pipeline) SetSessions(n int) {
	if p != nil {
		p.BroadcastSessions.Set(float64(n))
	}
}

func (p *Pipeline) BlobRetried(error, time.Duration) {
	if p != nil {
		p.BlobRetries.Inc()
	}
}

func (p *Pipeline) ConnectionOpened() {
	if p != nil {
		p.Connections.Inc()
	}
}

func (p *Pipeline) ConnectionClosed() {
	if p != nil {
		p.Connections.Dec()
	}
}
