package cache

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
)

var (
	cacheRequestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: scanmetrics.Namespace,
		Subsystem: "cache",
		Name:      "request_duration_seconds",
		Help:      "Duration of cache requests, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{scanmetrics.LabelCache, scanmetrics.LabelMethod, scanmetrics.LabelSuccess})
)

type instrumentedClient struct {
	next     Client
	duration metrics.Histogram
}

// InstrumentClient records the duration and success of every request
// to c, labelled with the cache name. A miss counts as unsuccessful.
func InstrumentClient(name string, c Client) Client {
	return &instrumentedClient{
		next:     c,
		duration: cacheRequestDuration.With(scanmetrics.LabelCache, name),
	}
}

func (i *instrumentedClient) observe(method string, err error, begin time.Time) {
	i.duration.With(
		scanmetrics.LabelMethod, method,
		scanmetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(begin).Seconds())
}

func (i *instrumentedClient) GetKey(k Keyer) (_ []byte, ex time.Time, err error) {
	defer func(begin time.Time) { i.observe("GetKey", err, begin) }(time.Now())
	return i.next.GetKey(k)
}

func (i *instrumentedClient) SetKey(k Keyer, ttl time.Duration, v []byte) (err error) {
	defer func(begin time.Time) { i.observe("SetKey", err, begin) }(time.Now())
	return i.next.SetKey(k, ttl, v)
}

func (i *instrumentedClient) DeleteKey(k Keyer) (err error) {
	defer func(begin time.Time) { i.observe("DeleteKey", err, begin) }(time.Now())
	return i.next.DeleteKey(k)
}

func (i *instrumentedClient) UpdateKey(k Keyer, fn UpdateFunc) (err error) {
	defer func(begin time.Time) { i.observe("UpdateKey", err, begin) }(time.Now())
	return i.next.UpdateKey(k, fn)
}
