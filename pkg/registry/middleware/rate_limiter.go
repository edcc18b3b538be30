package middleware

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	minLimit  = 0.1
	backOffBy = 2.0
	recoverBy = 1.5
)

// RateLimiters keeps a rate limit per registry host.
//
// Use `*RateLimiters.Transport(rt)` to obtain an HTTP transport that
// waits on the limiter of whichever host each request goes to. A
// `HTTP 429 Too many requests` response halves the limit for that
// host; any successful response raises it modestly back towards RPS.
type RateLimiters struct {
	RPS    float64
	Burst  int
	Logger log.Logger

	mu      sync.Mutex
	perHost map[string]*rate.Limiter
}

func (limiters *RateLimiters) clip(limit float64) float64 {
	if limit < minLimit {
		return minLimit
	}
	if limit > limiters.RPS {
		return limiters.RPS
	}
	return limit
}

// limiter returns the limiter for host, creating it if need be. The
// caller must hold limiters.mu.
func (limiters *RateLimiters) limiter(host string) *rate.Limiter {
	if limiters.perHost == nil {
		limiters.perHost = map[string]*rate.Limiter{}
	}
	rl, ok := limiters.perHost[host]
	if !ok {
		rl = rate.NewLimiter(rate.Limit(limiters.RPS), limiters.Burst)
		limiters.perHost[host] = rl
	}
	return rl
}

func (limiters *RateLimiters) adjust(host string, by float64, verb string) {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	rl := limiters.limiter(host)
	oldLimit := float64(rl.Limit())
	newLimit := limiters.clip(oldLimit * by)
	if newLimit == oldLimit {
		return
	}
	if limiters.Logger != nil {
		limiters.Logger.Log("info", verb+" rate limit", "host", host, "limit", strconv.FormatFloat(newLimit, 'f', 2, 64))
	}
	rl.SetLimit(rate.Limit(newLimit))
}

func (limiters *RateLimiters) backOff(host string) {
	limiters.adjust(host, 1/backOffBy, "reducing")
}

// Recover bumps the limit for host back up again.
func (limiters *RateLimiters) Recover(host string) {
	limiters.adjust(host, recoverBy, "increasing")
}

// Limit reports the current limit for host, in requests per second.
func (limiters *RateLimiters) Limit(host string) float64 {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	return float64(limiters.limiter(host).Limit())
}

// Transport wraps rt so that every request is rate limited by the
// host it is addressed to.
func (limiters *RateLimiters) Transport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &roundTripRateLimiter{limiters: limiters, tx: rt}
}

type roundTripRateLimiter struct {
	limiters *RateLimiters
	tx       http.RoundTripper
}

func (t *roundTripRateLimiter) RoundTrip(r *http.Request) (*http.Response, error) {
	host := r.URL.Host
	t.limiters.mu.Lock()
	rl := t.limiters.limiter(host)
	t.limiters.mu.Unlock()

	// Wait errors out if the request cannot be processed within
	// the deadline. This is pre-emptive, instead of waiting the
	// entire duration.
	if err := rl.Wait(r.Context()); err != nil {
		return nil, errors.Wrap(err, "rate limited")
	}
	resp, err := t.tx.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		t.limiters.backOff(host)
	case resp.StatusCode < 400:
		t.limiters.Recover(host)
	}
	return resp, nil
}
