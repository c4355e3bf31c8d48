package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileconverter_ratelimit_rejections_total",
		Help: "Requests rejected by a rate limiter.",
	}, []string{"backend"})

	trackedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fileconverter_ratelimit_tracked_clients",
		Help: "Clients with a non-empty window after the last sweep.",
	})
)
