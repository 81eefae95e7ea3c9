package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visualdiff_jobs_enqueued_total",
		Help: "Jobs accepted by the ingress, by worker class",
	}, []string{"browser"})

	JobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visualdiff_jobs_rejected_total",
		Help: "Jobs rejected by the ingress, by reason",
	}, []string{"reason"})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visualdiff_jobs_processed_total",
		Help: "Jobs finished by a worker, by worker class and outcome",
	}, []string{"browser", "outcome"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visualdiff_stage_duration_seconds",
		Help:    "Duration of job processing stages",
		Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600, 900},
	}, []string{"browser", "stage"})

	QueuePolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visualdiff_queue_polls_total",
		Help: "Queue polls by the worker loop, by result",
	}, []string{"browser", "result"})

	ResultsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visualdiff_results_ingested_total",
		Help: "Result envelopes stored by the result sink",
	})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visualdiff_result_deliveries_total",
		Help: "Push delivery attempts, by outcome",
	}, []string{"outcome"})

	ResultsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visualdiff_results_fetched_total",
		Help: "Results handed out through the pull path",
	})
)

// Register adds the collectors to the default registry once
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsRejected,
			JobsProcessed,
			StageDuration,
			QueuePolls,
			ResultsIngested,
			Deliveries,
			ResultsFetched,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
