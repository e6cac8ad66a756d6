package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lsm/target-api/internal/redact"
)

// RetriableError is a failure worth retrying: HTTP 429, any 5xx, a timeout
// or an open circuit. Message and Curl are already masked.
type RetriableError struct {
	StatusCode int
	Message    string
	Curl       string
	Err        error
}

func (e *RetriableError) Error() string { return e.Message }
func (e *RetriableError) Unwrap() error { return e.Err }

// FatalError is a failure that is not retried: any other 4xx, or a request
// that could not be built or sent. Message and Curl are already masked.
type FatalError struct {
	StatusCode int
	Message    string
	Curl       string
	Err        error
}

func (e *FatalError) Error() string { return e.Message }
func (e *FatalError) Unwrap() error { return e.Err }

// IsRetriableStatus reports whether an HTTP status is retried.
func IsRetriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// StatusCode extracts the HTTP status carried by a delivery error, or 0.
func StatusCode(err error) int {
	var re *RetriableError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// Curl extracts the masked reproduction carried by a delivery error.
func Curl(err error) string {
	var re *RetriableError
	if errors.As(err, &re) {
		return re.Curl
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Curl
	}
	return ""
}

// statusMessage renders the diagnostic for a non-2xx response: status,
// reason, masked path and the response body, cut at redact.MaxBodyChars.
func statusMessage(m *redact.Masker, code int, rawURL string, body []byte) string {
	msg := fmt.Sprintf("Status code: %d with %s for path: %s with response body: '%s'",
		code, http.StatusText(code), m.URL(rawURL), m.String(string(body)))
	return redact.Truncate(msg, redact.MaxBodyChars)
}
