package dispatch

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
)

var (
	scanDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scan",
		Name:      "duration_seconds",
		Help:      "Duration of image scans, in seconds, by outcome.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{scanmetrics.LabelOutcome})

	scansInFlight = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scan",
		Name:      "in_flight",
		Help:      "Number of scans currently running in this process.",
	}, []string{})

	queueLength = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scan",
		Name:      "queue_length",
		Help:      "Number of scans waiting for a worker in this process.",
	}, []string{})

	submissions = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scan",
		Name:      "submissions_total",
		Help:      "Scan submissions, by what became of them.",
	}, []string{scanmetrics.LabelResult})

	skips = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "scan",
		Name:      "skipped_total",
		Help:      "Queued scans not run because another process had since claimed or scanned the image.",
	}, []string{})
)
