// Package staterrors classifies the errors the state-store core can
// produce so that the gRPC boundary (internal/pluggable) can translate
// them into the status codes and details the sidecar protocol expects,
// without the rest of the core depending on gRPC at all.
package staterrors

import (
	"errors"

	"github.com/gravitational/trace"
)

// Kind is the application-level error classification from spec §7.
type Kind string

const (
	KindConfig        Kind = "config"
	KindMissingTenant Kind = "missing_tenant"
	KindEtagInvalid   Kind = "etag_invalid"
	KindEtagMismatch  Kind = "etag_mismatch"
	KindTableMissing  Kind = "table_missing"
	KindTransport     Kind = "transport"
	KindInternal      Kind = "internal"
)

// Error is a classified error. It wraps a gravitational/trace error so
// trace.Unwrap, errors.Is and errors.As all keep working on the cause,
// and additionally carries the Kind and (when relevant) the field the
// sidecar should report a precondition violation against.
type Error struct {
	Kind  Kind
	Field string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New classifies cause under kind. cause is normally already a
// trace-wrapped error produced by the adapter or routing layer.
func New(kind Kind, cause error) error {
	return &Error{Kind: kind, cause: cause}
}

func MissingTenant() error {
	return &Error{
		Kind:  KindMissingTenant,
		Field: "metadata.tenantId",
		cause: trace.BadParameter("tenant routing requires metadata.tenantId"),
	}
}

func EtagInvalid(etag string) error {
	return &Error{
		Kind:  KindEtagInvalid,
		cause: trace.BadParameter("etag %q is not a valid etag", etag),
	}
}

func EtagMismatch(key string) error {
	return &Error{
		Kind:  KindEtagMismatch,
		cause: trace.CompareFailed("etag mismatch updating key %q", key),
	}
}

func TableMissing(target string) error {
	return &Error{
		Kind:  KindTableMissing,
		cause: trace.NotFound("target table %q does not exist", target),
	}
}

func Config(format string, args ...any) error {
	return &Error{Kind: KindConfig, cause: trace.BadParameter(format, args...)}
}

func Transport(cause error) error {
	return &Error{Kind: KindTransport, cause: trace.ConnectionProblem(cause, "transport error")}
}

func Internal(cause error) error {
	return &Error{Kind: KindInternal, cause: trace.Wrap(cause)}
}

// KindOf returns the classification attached to err, or KindInternal if
// err was never classified (a bug elsewhere, or a raw driver error that
// escaped without being wrapped).
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// FieldOf returns the field-violation path attached to err, if any.
func FieldOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Field
	}
	return ""
}

// Is reports whether err was classified as kind, looking through any
// wrapping the caller may have added with fmt.Errorf("%w", ...) or
// trace.Wrap.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
