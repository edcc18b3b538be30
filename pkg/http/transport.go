package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	scanerr "github.com/dockpeek/scand/pkg/errors"
)

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	// Clients that can decode JSON errors say so in their Accept
	// header; everyone else gets the help text.
	if len(r.Header.Get("Accept")) > 0 {
		switch negotiateContentType(r, []string{"application/json", "text/plain"}) {
		case "application/json":
			body, encodeErr := json.Marshal(err)
			if encodeErr != nil {
				w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
			w.WriteHeader(code)
			if e, ok := err.(*scanerr.Error); ok {
				fmt.Fprint(w, e.Help)
			} else {
				fmt.Fprint(w, err.Error())
			}
			return
		}
	}
	w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	JSONResponseWithStatus(w, r, http.StatusOK, result)
}

func JSONResponseWithStatus(w http.ResponseWriter, r *http.Request, code int, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

// ErrorResponse writes err with a status code according to its type.
// Transient failures are 503s, so that callers know to try again.
func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	var outErr *scanerr.Error
	var code int
	var ok bool

	err := errors.Cause(apiError)
	if outErr, ok = err.(*scanerr.Error); !ok {
		outErr = scanerr.CoverAllError(apiError)
	}
	switch outErr.Type {
	case scanerr.Missing:
		code = http.StatusNotFound
	case scanerr.User:
		code = http.StatusUnprocessableEntity
	case scanerr.Transient:
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	default:
		code = http.StatusInternalServerError
	}
	WriteError(w, r, code, outErr)
}
