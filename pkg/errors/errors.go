package errors

import (
	"encoding/json"
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Representation of errors in the API. These are divided into a small
// number of categories, essentially distinguished by whose fault the
// error is; i.e., is this error:
//   - a transient problem with the host, so worth trying again?
//   - not going to work until the user takes some other action, e.g., fixing an image name?
type Error struct {
	Type Type
	// a message that can be printed out for the user
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

type Type string

const (
	// The operation looked fine on paper, but something went wrong
	Server Type = "server"
	// The thing you mentioned, whatever it is, just doesn't exist
	Missing Type = "missing"
	// The operation was well-formed, but you asked for something that
	// can't happen at present (e.g., because scanning is switched off)
	User Type = "user"
	// Contention or I/O trouble that is expected to clear by itself;
	// callers retry or degrade rather than report it
	Transient Type = "transient"
)

func typeOf(err error) (Type, bool) {
	var e *Error
	if errors.As(pkgerrors.Cause(err), &e) {
		return e.Type, true
	}
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

func IsMissing(err error) bool {
	t, ok := typeOf(err)
	return ok && t == Missing
}

func IsTransient(err error) bool {
	t, ok := typeOf(err)
	return ok && t == Transient
}

func IsUser(err error) bool {
	t, ok := typeOf(err)
	return ok && t == User
}

// TransientError marks err as transient, keeping it available as the
// underlying cause.
func TransientError(err error, help string) *Error {
	return &Error{Type: Transient, Help: help, Err: err}
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}

func CoverAllError(err error) *Error {
	return &Error{
		Type: Server,
		Err:  err,
		Help: `Error: ` + err.Error() + `

We don't have a specific help message for the error above. Check the
scand logs around the time of the request for more detail.
`,
	}
}
