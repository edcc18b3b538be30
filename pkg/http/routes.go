package http

import (
	"github.com/gorilla/mux"
)

const (
	ScanStatus   = "ScanStatus"
	SubmitScan   = "SubmitScan"
	ListScans    = "ListScans"
	VersionCheck = "VersionCheck"
	UpdateCheck  = "UpdateCheck"
	Scheduler    = "Scheduler"

	ScanHistory        = "ScanHistory"
	NewVulnerabilities = "NewVulnerabilities"
)

// NewAPIRouter names every route of the API. Handlers are attached
// separately, by route name.
func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(ScanStatus).Methods("GET").Path("/v1/scan").Queries("image", "{image}")
	r.NewRoute().Name(SubmitScan).Methods("POST").Path("/v1/scan").Queries("image", "{image}")
	r.NewRoute().Name(ListScans).Methods("GET").Path("/v1/scans")
	r.NewRoute().Name(VersionCheck).Methods("GET").Path("/v1/version").Queries("image", "{image}")
	r.NewRoute().Name(UpdateCheck).Methods("GET").Path("/v1/update").Queries("image", "{image}")
	r.NewRoute().Name(Scheduler).Methods("GET").Path("/v1/scheduler")
	r.NewRoute().Name(ScanHistory).Methods("GET").Path("/v1/scan/history").Queries("image", "{image}")
	r.NewRoute().Name(NewVulnerabilities).Methods("GET").Path("/v1/vulnerabilities/new")

	return r
}
