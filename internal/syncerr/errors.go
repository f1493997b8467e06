package syncerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/example/workspace-sync/internal/types"
)

var (
	// ErrAuthentication is returned for a missing, invalid or expired session.
	// Clients recover by handshaking again.
	ErrAuthentication = errors.New("authentication required")

	// ErrAuthorization is returned when a scope resolves to a workspace the
	// caller is not a member of, or cannot be resolved at all.
	ErrAuthorization = errors.New("not authorized for scope")

	// ErrDivergence matches every *DivergenceConflict.
	ErrDivergence = errors.New("vector clock divergence")

	// ErrTransientTransport marks failures that are retried by rescheduling.
	ErrTransientTransport = errors.New("transient transport failure")

	// ErrMalformedPayload is returned for undecodable or invalid change batches.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotFound is used by stores for missing records. It never crosses the
	// API boundary for scope lookups.
	ErrNotFound = errors.New("not found")
)

// Codes carried in error responses.
const (
	CodeAuthentication = "AUTHENTICATION_REQUIRED"
	CodeAuthorization  = "FORBIDDEN"
	CodeMalformed      = "MALFORMED_PAYLOAD"
	CodeTransient      = "UNAVAILABLE"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL"
)

// DivergenceConflict rejects a whole push batch whose vector clock drifted
// too far from the clock the server last recorded for the device.
type DivergenceConflict struct {
	Conflict types.PushConflict
}

func (e *DivergenceConflict) Error() string {
	return fmt.Sprintf("vector clock divergence %d exceeds threshold %d for %s:%s",
		e.Conflict.Divergence, e.Conflict.Threshold, e.Conflict.ScopeType, e.Conflict.ScopeID)
}

func (e *DivergenceConflict) Is(target error) bool {
	return target == ErrDivergence
}

// Malformed wraps err so that it matches ErrMalformedPayload.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error onto the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrDivergence):
		return http.StatusConflict
	case errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTransientTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the response code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrAuthorization):
		return CodeAuthorization
	case errors.Is(err, ErrDivergence):
		return types.ConflictVectorClockDivergence
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformed
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTransientTransport):
		return CodeTransient
	default:
		return CodeInternal
	}
}

// HTTPError is a non-2xx API response seen by a client. It unwraps to the
// sentinel matching its status.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Conflict   *types.PushConflict
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrAuthentication
	case e.StatusCode == http.StatusForbidden:
		return ErrAuthorization
	case e.StatusCode == http.StatusConflict && e.Conflict != nil:
		return &DivergenceConflict{Conflict: *e.Conflict}
	case e.StatusCode == http.StatusBadRequest:
		return ErrMalformedPayload
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return ErrTransientTransport
	}
	return nil
}
