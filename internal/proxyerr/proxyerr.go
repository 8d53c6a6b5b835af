// Package proxyerr defines the handler-independent error taxonomy shared by
// every protocol in internal/proxyproto, per the error handling design: each
// failure is fatal to the current connection and is never retried at this
// layer.
package proxyerr

import "errors"

var (
	// ErrUnauthorized is returned when a client's credentials fail the
	// protocol's authentication check. Callers should send the protocol's
	// reject reply, if any, before closing.
	ErrUnauthorized = errors.New("proxyerr: unauthorized")

	// ErrMalformed is returned for unexpected bytes, bad lengths, or a
	// failed MAC check. Callers close immediately, no reply.
	ErrMalformed = errors.New("proxyerr: malformed request")

	// ErrUnsupported is returned when no handler recognizes the header, a
	// handler lacks a requested capability (e.g. UDP on a TCP-only
	// handler), or a connect/parse path is not implemented for a handler.
	ErrUnsupported = errors.New("proxyerr: unsupported")

	// ErrClosedByPolicy is returned when the connection is closed as a
	// deliberate, successful outcome: an HTTP static-path response was
	// served, or a transparent handler detected a redirect loop.
	ErrClosedByPolicy = errors.New("proxyerr: closed by policy")
)

// IsFatal reports whether err belongs to the taxonomy above. IOErrors (plain
// io.EOF, io.ErrUnexpectedEOF, and other transport errors) are not part of
// the taxonomy; callers treat any error that is not one of the sentinels
// above as an IOError and close silently.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrClosedByPolicy)
}
