package daemon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/middleware"

	"github.com/dockpeek/scand/pkg/dispatch"
	scanerr "github.com/dockpeek/scand/pkg/errors"
	transport "github.com/dockpeek/scand/pkg/http"
	"github.com/dockpeek/scand/pkg/image"
	"github.com/dockpeek/scand/pkg/leader"
	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
	"github.com/dockpeek/scand/pkg/registry"
	"github.com/dockpeek/scand/pkg/scan"
)

var (
	requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: scanmetrics.Namespace,
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{scanmetrics.LabelMethod, scanmetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	stdprometheus.MustRegister(requestDuration)
}

type Scans interface {
	GetStatus(ref image.CanonicalRef) scan.Record
	Snapshot() []scan.Record
}

type Dispatcher interface {
	Submit(ref image.CanonicalRef) (bool, error)
	Stats() dispatch.Stats
}

type Versions interface {
	Cached(ref image.CanonicalRef) (*registry.VersionInfo, bool)
}

type History interface {
	Get(ref image.CanonicalRef, limit int) ([]scan.Entry, scan.Trend, error)
	NewSince(since time.Time, severity string) ([]scan.Finding, error)
}

type Leadership interface {
	ID() string
	IsLeader() bool
	Current() leader.Lease
}

// NewRouter returns the API router, with anything that matches no
// route answered as not found.
func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, transport.MakeAPINotFound(r.URL.Path))
	})
	return r
}

// Server answers the API. Versions, Updates, History and Leadership
// may be nil, in which case their endpoints report the feature as
// missing.
type Server struct {
	Scans      Scans
	Dispatcher Dispatcher
	Versions   Versions
	Updates    registry.UpdateChecker
	History    History
	Leadership Leadership
	Now        func() time.Time
}

func NewHandler(s *Server, r *mux.Router) http.Handler {
	if s.Now == nil {
		s.Now = time.Now
	}
	r.Get(transport.ScanStatus).HandlerFunc(s.ScanStatus)
	r.Get(transport.SubmitScan).HandlerFunc(s.SubmitScan)
	r.Get(transport.ListScans).HandlerFunc(s.ListScans)
	r.Get(transport.VersionCheck).HandlerFunc(s.VersionCheck)
	r.Get(transport.UpdateCheck).HandlerFunc(s.UpdateCheck)
	r.Get(transport.Scheduler).HandlerFunc(s.Scheduler)
	r.Get(transport.ScanHistory).HandlerFunc(s.ScanHistory)
	r.Get(transport.NewVulnerabilities).HandlerFunc(s.NewVulnerabilities)

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

func imageParam(w http.ResponseWriter, r *http.Request) (image.CanonicalRef, bool) {
	raw := mux.Vars(r)["image"]
	ref, err := image.Normalize(raw)
	if err != nil {
		transport.ErrorResponse(w, r, transport.InvalidImage(raw, err))
		return image.CanonicalRef{}, false
	}
	return ref, true
}

// ScanStatus answers with the scan state of an image, queueing a scan
// if there is none. It always answers with a record, even when
// shared state is unavailable.
func (s *Server) ScanStatus(w http.ResponseWriter, r *http.Request) {
	ref, ok := imageParam(w, r)
	if !ok {
		return
	}
	rec := s.Scans.GetStatus(ref)
	if rec.Status == scan.NotScanned {
		if queued, err := s.Dispatcher.Submit(ref); err == nil && queued {
			now := s.Now().UTC()
			rec.Status = scan.Pending
			rec.QueuedAt = &now
		}
	}
	if r.URL.Query().Get("vulnerabilities") == "false" {
		rec = rec.Summary()
	}
	transport.JSONResponse(w, r, rec)
}

type submitResponse struct {
	Queued bool        `json:"queued"`
	Record scan.Record `json:"record"`
}

// SubmitScan queues a scan of an image: 202 when a scan was queued,
// 200 when there was nothing to do.
func (s *Server) SubmitScan(w http.ResponseWriter, r *http.Request) {
	ref, ok := imageParam(w, r)
	if !ok {
		return
	}
	queued, err := s.Dispatcher.Submit(ref)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	code := http.StatusOK
	if queued {
		code = http.StatusAccepted
	}
	transport.JSONResponseWithStatus(w, r, code, submitResponse{
		Queued: queued,
		Record: s.Scans.GetStatus(ref).Summary(),
	})
}

func (s *Server) ListScans(w http.ResponseWriter, r *http.Request) {
	transport.JSONResponse(w, r, s.Scans.Snapshot())
}

type versionResponse struct {
	Image  string                `json:"image"`
	Cached bool                  `json:"cached"`
	Info   *registry.VersionInfo `json:"info"`
}

// VersionCheck reports what is cached about newer versions of an
// image. It never goes to the registry.
func (s *Server) VersionCheck(w http.ResponseWriter, r *http.Request) {
	if s.Versions == nil {
		transport.ErrorResponse(w, r, featureMissing("version checks"))
		return
	}
	ref, ok := imageParam(w, r)
	if !ok {
		return
	}
	info, cached := s.Versions.Cached(ref)
	transport.JSONResponse(w, r, versionResponse{Image: ref.String(), Cached: cached, Info: info})
}

// UpdateCheck compares the local digest of an image with the one its
// tag has in the registry.
func (s *Server) UpdateCheck(w http.ResponseWriter, r *http.Request) {
	if s.Updates == nil {
		transport.ErrorResponse(w, r, featureMissing("update checks"))
		return
	}
	ref, ok := imageParam(w, r)
	if !ok {
		return
	}
	local := r.URL.Query().Get("digest")
	if local != "" {
		if _, err := digest.Parse(local); err != nil {
			transport.ErrorResponse(w, r, transport.InvalidDigest(local, err))
			return
		}
	}
	cmp, err := s.Updates.Compare(r.Context(), ref, local)
	if err != nil {
		transport.ErrorResponse(w, r, scanerr.TransientError(err, `The registry could not be reached

The comparison will be retried on the next request.
`))
		return
	}
	transport.JSONResponse(w, r, cmp)
}

// positiveParam reads an optional positive integer query parameter.
func positiveParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err == nil && n < 1 {
		err = strconv.ErrRange
	}
	if err != nil {
		transport.ErrorResponse(w, r, transport.InvalidParameter(name, raw, err))
		return 0, false
	}
	return n, true
}

type historyResponse struct {
	Image   string       `json:"image"`
	History []scan.Entry `json:"history"`
	Trend   scan.Trend   `json:"trend"`
}

// ScanHistory answers with the latest scans of an image, newest
// first, and whether its vulnerability count is going up or down.
func (s *Server) ScanHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		transport.ErrorResponse(w, r, featureMissing("scan history"))
		return
	}
	ref, ok := imageParam(w, r)
	if !ok {
		return
	}
	limit, ok := positiveParam(w, r, "limit", 5)
	if !ok {
		return
	}
	entries, trend, err := s.History.Get(ref, limit)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, historyResponse{Image: ref.String(), History: entries, Trend: trend})
}

type newVulnerabilitiesResponse struct {
	Hours           int            `json:"hours"`
	Severity        string         `json:"severity_filter,omitempty"`
	Count           int            `json:"count"`
	Vulnerabilities []scan.Finding `json:"vulnerabilities"`
}

// NewVulnerabilities lists the vulnerabilities that scans have newly
// found in the last `hours` hours.
func (s *Server) NewVulnerabilities(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		transport.ErrorResponse(w, r, featureMissing("scan history"))
		return
	}
	hours, ok := positiveParam(w, r, "hours", 24)
	if !ok {
		return
	}
	severity := r.URL.Query().Get("severity")
	found, err := s.History.NewSince(s.Now().Add(-time.Duration(hours)*time.Hour), severity)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, newVulnerabilitiesResponse{
		Hours:           hours,
		Severity:        severity,
		Count:           len(found),
		Vulnerabilities: found,
	})
}

type schedulerResponse struct {
	HolderID   string         `json:"holder_id,omitempty"`
	Leader     bool           `json:"leader"`
	Lease      *leader.Lease  `json:"lease,omitempty"`
	Dispatcher dispatch.Stats `json:"dispatcher"`
}

func (s *Server) Scheduler(w http.ResponseWriter, r *http.Request) {
	resp := schedulerResponse{Dispatcher: s.Dispatcher.Stats()}
	if s.Leadership != nil {
		resp.HolderID = s.Leadership.ID()
		resp.Leader = s.Leadership.IsLeader()
		if lease := s.Leadership.Current(); lease.HolderID != "" {
			resp.Lease = &lease
		}
	}
	transport.JSONResponse(w, r, resp)
}

func featureMissing(what string) *scanerr.Error {
	return &scanerr.Error{
		Type: scanerr.Missing,
		Help: "This server is not configured for " + what + ".\n",
		Err:  errMissingFeature(what),
	}
}

type errMissingFeature string

func (e errMissingFeature) Error() string {
	return string(e) + " not enabled"
}
