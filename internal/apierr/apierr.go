// Package apierr defines the typed error every layer of Idios — providers,
// the command layer, the dispatcher, and the HTTP front-end — shares to
// classify a failure as client-caused or server-caused, without creating an
// import cycle between those layers.
package apierr

import "fmt"

// Kind classifies an error for propagation across the dispatcher and
// mapping to an HTTP status in the front-end.
type Kind string

const (
	// KindParameter marks a client-supplied value that violates a contract
	// (bad URL, image too small, metadata too long, ...). Maps to HTTP 422.
	KindParameter Kind = "parameter_error"

	// KindServer marks an upstream failure, timeout, or unimplemented path.
	// Maps to HTTP 500.
	KindServer Kind = "server_error"
)

// Error is the typed error every operation returns on failure. The worker
// serializes it as {exception_type, exception_args} on the wire; the
// dispatcher client reconstructs an *Error from those two fields.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// ParameterError builds a KindParameter error.
func ParameterError(format string, args ...any) *Error {
	return &Error{Kind: KindParameter, Message: fmt.Sprintf(format, args...)}
}

// ServerError builds a KindServer error.
func ServerError(format string, args ...any) *Error {
	return &Error{Kind: KindServer, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps err into an *Error, if it is one.
func AsError(err error) (*Error, bool) {
	ce, ok := err.(*Error)
	return ce, ok
}
