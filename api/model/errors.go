package model

import (
	"errors"
	"fmt"
)

// The management API sorts every failure into one of a few buckets so
// callers can react without string matching. Handlers map these to
// HTTP status codes with errors.As / errors.Is.

// ValidationError means the request itself is malformed. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError means a name or port is already held by someone else,
// including the late-detected race where a concurrent create wins at
// the cluster.
type ConflictError struct {
	Resource string
	Msg      string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflict(resource, format string, args ...any) error {
	return &ConflictError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError means the named dynamic server does not exist.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("server %q not found", e.Name)
}

// NotDynamicError rejects lifecycle verbs aimed at template-managed
// servers, which this API can only inspect.
type NotDynamicError struct {
	Name string
}

func (e *NotDynamicError) Error() string {
	return fmt.Sprintf("server %q is managed by the platform templates and is not controllable via this API", e.Name)
}

// ErrQuotaExceeded rejects creation past the dynamic-server limit.
var ErrQuotaExceeded = errors.New("dynamic server quota exceeded")

// UnavailableError wraps failures talking to the cluster API. The
// request may be retried once the cluster is reachable again.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("orchestration API unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
