package http

import (
	"errors"

	scanerr "github.com/dockpeek/scand/pkg/errors"
)

func MakeAPINotFound(path string) *scanerr.Error {
	return &scanerr.Error{
		Type: scanerr.Missing,
		Help: `The API endpoint requested is not supported by this server.

The endpoints are:

    GET  /v1/scan?image=<ref>
    POST /v1/scan?image=<ref>
    GET  /v1/scans
    GET  /v1/version?image=<ref>
    GET  /v1/update?image=<ref>&digest=<local digest>
    GET  /v1/scheduler
    GET  /v1/scan/history?image=<ref>&limit=<n>
    GET  /v1/vulnerabilities/new?hours=<n>&severity=<severity>

and the path requested was:

    ` + path + `
`,
		Err: errors.New("API endpoint not found"),
	}
}

// InvalidImage is returned for an image reference that cannot be
// scanned or looked up.
func InvalidImage(ref string, err error) *scanerr.Error {
	return &scanerr.Error{
		Type: scanerr.User,
		Help: `The image reference is not valid

Image references look like ` + "`nginx:1.25`" + ` or
` + "`registry.example:5000/team/app:1.0`" + `, and may contain only
letters, digits and the characters ` + "`._/:@-`" + `. The reference
given was:

    ` + ref + `
`,
		Err: err,
	}
}

// InvalidParameter is returned for a query parameter that is not a
// positive whole number.
func InvalidParameter(name, value string, err error) *scanerr.Error {
	return &scanerr.Error{
		Type: scanerr.User,
		Help: `The query parameter ` + "`" + name + "`" + ` must be a positive whole number.
The value given was:

    ` + value + `
`,
		Err: err,
	}
}

func InvalidDigest(d string, err error) *scanerr.Error {
	return &scanerr.Error{
		Type: scanerr.User,
		Help: `The image digest is not valid

Digests look like ` + "`sha256:`" + ` followed by 64 hex digits. The digest
given was:

    ` + d + `
`,
		Err: err,
	}
}
