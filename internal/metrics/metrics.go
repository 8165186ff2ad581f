// ABOUTME: Prometheus instruments for routing, inbound processing, fan-out, the send queue and the provider API
// ABOUTME: Each Recorder owns its registry so tests and multiple instances never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/inbound"
	"github.com/2389/coven-desk/internal/routing"
)

const namespace = "coven_desk"

// Recorder implements dispatch.Observer and provides callbacks for the other components.
type Recorder struct {
	registry *prometheus.Registry

	assignments      *prometheus.CounterVec
	inbound          *prometheus.CounterVec
	mediaDegraded    prometheus.Counter
	fanout           *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	jobsActive       prometheus.Gauge
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with its own registry, including Go and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		assignments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignments_total",
				Help:      "Conversations assigned, by candidate pool",
			},
			[]string{"pool"},
		),
		inbound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Inbound provider messages by final state and kind",
			},
			[]string{"state", "kind", "status"},
		),
		mediaDegraded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_media_degraded_total",
				Help:      "Inbound media stored as a handle only because the fetch failed",
			},
		),
		fanout: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_deliveries_total",
				Help:      "Realtime events accepted by connections, by target",
			},
			[]string{"target"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "send_queue_depth",
				Help:      "Send jobs waiting for a worker",
			},
		),
		jobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "send_jobs_active",
				Help:      "Send jobs currently running",
			},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_jobs_total",
				Help:      "Finished send jobs by kind and terminal state",
			},
			[]string{"kind", "state"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_job_duration_seconds",
				Help:      "Wall time of send jobs including transcode and upload",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		providerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Provider API calls by operation and status",
			},
			[]string{"op", "status"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Duration of provider API calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveAssignment is a routing.WithObserver callback.
func (r *Recorder) ObserveAssignment(d routing.Decision) {
	r.assignments.WithLabelValues(string(d.Pool)).Inc()
}

// ObserveInbound is an inbound.WithObserver callback.
func (r *Recorder) ObserveInbound(o inbound.Outcome) {
	status := "ok"
	if o.Err != nil {
		status = "error"
	}
	r.inbound.WithLabelValues(string(o.State), o.Kind, status).Inc()
	if o.MediaDegraded {
		r.mediaDegraded.Inc()
	}
}

// ObserveFanout is a realtime.WithFanoutObserver callback.
func (r *Recorder) ObserveFanout(target string, delivered int) {
	r.fanout.WithLabelValues(target).Add(float64(delivered))
}

// ObserveProvider is a provider.WithObserver callback.
func (r *Recorder) ObserveProvider(op string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.providerRequests.WithLabelValues(op, status).Inc()
	r.providerDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// QueueDepth implements dispatch.Observer.
func (r *Recorder) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// JobStarted implements dispatch.Observer.
func (r *Recorder) JobStarted() {
	r.jobsActive.Inc()
}

// JobFinished implements dispatch.Observer.
func (r *Recorder) JobFinished(kind string, state dispatch.State, elapsed time.Duration) {
	r.jobsActive.Dec()
	r.jobsTotal.WithLabelValues(kind, string(state)).Inc()
	r.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

var _ dispatch.Observer = (*Recorder)(nil)
