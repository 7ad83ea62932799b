package gateway

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse marks a 2xx response whose body is not the JSON the
// endpoint promises.
var ErrMalformedResponse = errors.New("malformed response")

// ConfigurationError is returned before any network activity when the
// client has no base endpoint.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "gateway configuration: " + e.Reason
}

// HTTPError carries a non-2xx status together with the raw response body.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// TransportError wraps failures below HTTP semantics: unreachable host,
// cancelled request, unreadable or malformed body.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func IsHTTP(err error) bool {
	var he *HTTPError
	return errors.As(err, &he)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
