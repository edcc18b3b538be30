package registry

// Monitoring for registry requests and checks

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/dockpeek/scand/pkg/image"
	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
)

const (
	LabelRequestKind  = "kind"
	RequestKindTags   = "tags"
	RequestKindDigest = "digest"

	LabelCheck   = "check"
	CheckVersion = "version"
	CheckUpdate  = "update"
)

var (
	checkDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "registry",
		Name:      "check_duration_seconds",
		Help:      "Duration of version and update checks (possibly from cache), in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{LabelCheck, scanmetrics.LabelSuccess})
	remoteDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "client",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of remote registry requests, in seconds",
	}, []string{LabelRequestKind, scanmetrics.LabelSuccess})
)

func observeRemote(kind string, err error, start time.Time) {
	remoteDuration.With(
		LabelRequestKind, kind,
		scanmetrics.LabelSuccess, strconv.FormatBool(err == nil),
	).Observe(time.Since(start).Seconds())
}

type instrumentedVersionChecker struct {
	next VersionChecker
}

func NewInstrumentedVersionChecker(next VersionChecker) VersionChecker {
	return &instrumentedVersionChecker{next: next}
}

func (m *instrumentedVersionChecker) Check(ctx context.Context, ref image.CanonicalRef) (res *VersionInfo, err error) {
	start := time.Now()
	res, err = m.next.Check(ctx, ref)
	checkDuration.With(
		LabelCheck, CheckVersion,
		scanmetrics.LabelSuccess, strconv.FormatBool(err == nil),
	).Observe(time.Since(start).Seconds())
	return
}

type instrumentedUpdateChecker struct {
	next UpdateChecker
}

func NewInstrumentedUpdateChecker(next UpdateChecker) UpdateChecker {
	return &instrumentedUpdateChecker{next: next}
}

func (m *instrumentedUpdateChecker) Compare(ctx context.Context, ref image.CanonicalRef, localDigest string) (res PullComparison, err error) {
	start := time.Now()
	res, err = m.next.Compare(ctx, ref, localDigest)
	checkDuration.With(
		LabelCheck, CheckUpdate,
		scanmetrics.LabelSuccess, strconv.FormatBool(err == nil),
	).Observe(time.Since(start).Seconds())
	return
}
