package daemon

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
)

var (
	// Refreshes mostly wait on the cache lock and, for versions, on
	// registries.
	refreshDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scheduler",
		Name:      "refresh_duration_seconds",
		Help:      "Duration of background refreshes, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{scanmetrics.LabelJob, scanmetrics.LabelSuccess})

	isLeader = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scheduler",
		Name:      "leader",
		Help:      "Whether this process holds the scheduler lease (1) or not (0).",
	}, []string{})

	autoQueued = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scheduler",
		Name:      "auto_queued_total",
		Help:      "Images queued for scanning by the background refresh.",
	}, []string{})
)
