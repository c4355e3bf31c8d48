package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileconverter_jobs_submitted_total",
		Help: "Jobs accepted into the queue, by input category.",
	}, []string{"category"})

	jobsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileconverter_jobs_rejected_total",
		Help: "Submissions refused before queueing, by reason.",
	}, []string{"reason"})

	jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileconverter_jobs_finished_total",
		Help: "Jobs that reached a terminal state.",
	}, []string{"status"})

	activeEncoders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fileconverter_encoders_active",
		Help: "Encoder processes currently running.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fileconverter_queue_depth",
		Help: "Jobs waiting for a worker.",
	})

	encodeDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fileconverter_encode_duration_seconds",
		Help:    "Wall time spent in the encoder per job.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"category", "status"})
)
