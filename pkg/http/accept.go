package http

import (
	"net/http"

	"github.com/golang/gddo/httputil/header"
)

// negotiateContentType picks, from the types offered in order of
// preference, the one the request's Accept header rates highest. On
// a tie in quality (`q`) the earlier offer wins. With no Accept
// header the first offer is taken; if nothing acceptable is offered,
// the result is "".
func negotiateContentType(r *http.Request, offers []string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return offers[0]
	}

	best, bestQ := "", 0.0
	for _, offer := range offers {
		q := quality(specs, offer)
		if q > bestQ {
			best, bestQ = offer, q
		}
	}
	return best
}

// quality is the highest q given to exactly this type.
func quality(specs []header.AcceptSpec, offer string) float64 {
	var q float64
	for _, spec := range specs {
		if spec.Value == offer && spec.Q > q {
			q = spec.Q
		}
	}
	return q
}
