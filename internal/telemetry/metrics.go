package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recording_jobs_submitted_total", Help: "Jobs accepted by the producer"})
	SubmitRejected   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recording_jobs_rejected_total", Help: "Submissions rejected before a job was created"}, []string{"reason"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recording_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recording_jobs_retried_total", Help: "Failed attempts rescheduled with backoff"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recording_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recording_leases_reclaimed_total", Help: "Expired leases returned to waiting"})
	LeasesLost       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recording_leases_lost_total", Help: "Jobs abandoned by a worker after losing its lease"})
	StageFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recording_stage_failures_total", Help: "Stage failures by stage and kind"}, []string{"stage", "kind"})
	StageDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "recording_stage_duration_seconds", Help: "Stage execution time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"stage"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "recording_queue_depth", Help: "Jobs per queue state"}, []string{"state"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recording_jobs_inflight", Help: "Jobs being processed by this worker"})
	JanitorCollected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recording_jobs_collected_total", Help: "Terminal jobs removed after retention"}, []string{"state"})
)

// Register adds all collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			SubmitRejected,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			LeasesReclaimed,
			LeasesLost,
			StageFailures,
			StageDuration,
			QueueDepthGauge,
			InFlightGauge,
			JanitorCollected,
		)
	})
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
