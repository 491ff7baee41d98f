// Package errs classifies failures into the kinds the engine acts on.
//
// Every server, transport and storage error is converted into an *Error with
// one Kind. Only Transient errors are retried; every other kind is terminal
// for the task that produced it.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the engine-level classification of an error.
type Kind string

const (
	KindUnknown          Kind = ""
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalid          Kind = "invalid"
	KindTransient        Kind = "transient"
	KindUpstreamFailed   Kind = "upstream_failed"
	KindCancelled        Kind = "cancelled"
	KindPermanent        Kind = "permanent"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "runs/get".
	Op string
	// Code is the server error code when one was returned.
	Code string
	// Status is the HTTP status when the error came from a response.
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Code != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Code)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error wrapping err.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// Context cancellation is Cancelled, deadline expiry and network errors are
// Transient, and anything unclassified is Permanent.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Is(err, KindTransient)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool {
	return Is(err, KindAlreadyExists)
}

// Server error codes returned in the MLflow error envelope.
const (
	CodeResourceDoesNotExist = "RESOURCE_DOES_NOT_EXIST"
	CodeResourceExists       = "RESOURCE_ALREADY_EXISTS"
	CodeInvalidParameter     = "INVALID_PARAMETER_VALUE"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeRequestLimitExceeded = "REQUEST_LIMIT_EXCEEDED"
	CodeTemporarilyUnavail   = "TEMPORARILY_UNAVAILABLE"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeFeatureDisabled      = "FEATURE_DISABLED"
	CodeEndpointNotFound     = "ENDPOINT_NOT_FOUND"
)

// FromResponse classifies a non-2xx response by its error code first and its
// status second.
func FromResponse(op string, status int, code, msg string) *Error {
	e := &Error{Op: op, Code: code, Status: status, Msg: msg}
	if e.Msg == "" {
		e.Msg = http.StatusText(status)
	}
	switch code {
	case CodeResourceDoesNotExist, CodeEndpointNotFound:
		e.Kind = KindNotFound
		return e
	case CodeResourceExists:
		e.Kind = KindAlreadyExists
		return e
	case CodePermissionDenied, CodeUnauthenticated:
		e.Kind = KindPermissionDenied
		return e
	case CodeInvalidParameter:
		e.Kind = KindInvalid
		return e
	case CodeRequestLimitExceeded, CodeTemporarilyUnavail:
		e.Kind = KindTransient
		return e
	}
	switch {
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusConflict:
		e.Kind = KindAlreadyExists
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindPermissionDenied
	case status == http.StatusBadRequest:
		e.Kind = KindInvalid
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}
