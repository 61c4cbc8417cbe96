package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of the generation pipeline. Each instance owns
// its registry so several can live in the same process.
type Metrics struct {
	registry *prometheus.Registry

	Submitted  prometheus.Counter
	Rejected   *prometheus.CounterVec
	Completed  prometheus.Counter
	Failed     prometheus.Counter
	Abandoned  prometheus.Counter
	QueueDepth prometheus.Gauge
	InFlight   prometheus.Gauge
	Duration   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry:   prometheus.NewRegistry(),
		Submitted:  prometheus.NewCounter(prometheus.CounterOpts{Name: "songforge_jobs_submitted_total", Help: "Jobs accepted by the scheduler"}),
		Rejected:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songforge_jobs_rejected_total", Help: "Jobs rejected by the scheduler"}, []string{"reason"}),
		Completed:  prometheus.NewCounter(prometheus.CounterOpts{Name: "songforge_jobs_completed_total", Help: "Jobs completed successfully"}),
		Failed:     prometheus.NewCounter(prometheus.CounterOpts{Name: "songforge_jobs_failed_total", Help: "Jobs that returned an error or panicked"}),
		Abandoned:  prometheus.NewCounter(prometheus.CounterOpts{Name: "songforge_jobs_abandoned_total", Help: "Queued jobs discarded on stop"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{Name: "songforge_queue_depth", Help: "Jobs waiting for a worker"}),
		InFlight:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "songforge_jobs_inflight", Help: "Jobs currently running"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "songforge_job_duration_seconds",
			Help:    "Time spent running a job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}
	m.registry.MustRegister(
		m.Submitted,
		m.Rejected,
		m.Completed,
		m.Failed,
		m.Abandoned,
		m.QueueDepth,
		m.InFlight,
		m.Duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the metrics in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
