package bulkdata

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Use errors.Is to classify failures.
var (
	// ErrUnauthorized is returned when the server still answers 401 after the
	// token was invalidated and the request retried once.
	ErrUnauthorized = errors.New("bulkdata: unauthorized")
	// ErrTimeout wraps dial and response-header timeouts.
	ErrTimeout = errors.New("bulkdata: request timed out")
	// ErrHTTPStatus is the sentinel for every other non-2xx status.
	ErrHTTPStatus = errors.New("bulkdata: unexpected HTTP status")

	// ErrMissingContentLocation means the kick-off response named no status URL.
	ErrMissingContentLocation = errors.New("bulkdata: kick-off response has no Content-Location header")
	// ErrMissingManifest means a completed status response carried neither a
	// Link header nor a JSON output list.
	ErrMissingManifest = errors.New("bulkdata: completed status response has no manifest")
	// ErrAlreadyProvisioned guards against starting a duplicate remote job.
	// Use Reprovision to start a new export deliberately.
	ErrAlreadyProvisioned = errors.New("bulkdata: client is already provisioned")

	// ErrDecode wraps a malformed NDJSON line.
	ErrDecode = errors.New("bulkdata: malformed NDJSON record")
)

// StatusError is a non-2xx response. Err is ErrUnauthorized for 401 and
// ErrHTTPStatus otherwise.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("bulkdata: GET %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("bulkdata: GET %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx status to its sentinel.
func classifyStatus(code int) error {
	if code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return ErrHTTPStatus
}

// DecodeError locates a malformed line by file and 1-based line number.
type DecodeError struct {
	URL  string
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bulkdata: %s line %d: %v", e.URL, e.Line, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
