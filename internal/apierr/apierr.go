// Package apierr defines the typed error kinds the HTTP layer translates
// into status codes, so handlers dispatch through one respondError call
// instead of picking status codes at each call site.
package apierr

import (
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAuthRejected   Kind = "AuthRejected"
	KindBadRequest     Kind = "BadRequest"
	KindNotFound       Kind = "NotFound"
	KindNoCredentials  Kind = "NoCredentials"
	KindUpstream       Kind = "UpstreamFailure"
	KindSchedulerOff   Kind = "SchedulerDisabled"
	KindInternal       Kind = "Internal"
)

// Error carries an HTTP status alongside a Kind so the gin layer can
// respond uniformly.
type Error struct {
	Kind    Kind
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

func AuthRejected() *Error {
	return New(KindAuthRejected, http.StatusUnauthorized, "invalid password")
}

func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, http.StatusBadRequest, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, http.StatusNotFound, format, args...)
}

func NoCredentials() *Error {
	return New(KindNoCredentials, http.StatusBadRequest, "no valid token")
}

func Upstream(status int) *Error {
	return New(KindUpstream, http.StatusInternalServerError, "API error: %d", status)
}

func SchedulerDisabled() *Error {
	return New(KindSchedulerOff, http.StatusServiceUnavailable, "scheduler is not enabled")
}

func Internal(err error) *Error {
	return New(KindInternal, http.StatusInternalServerError, "%v", err)
}
