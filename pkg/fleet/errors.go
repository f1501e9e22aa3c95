package fleet

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for reporting and recovery decisions.
type ErrorKind string

const (
	// KindSchema indicates a malformed or unresolved desired-state
	// document. Fatal to loading: a corrupt graph is never partially used.
	KindSchema ErrorKind = "schema"

	// KindNotFound indicates a lookup miss (unknown domain, server, ref).
	KindNotFound ErrorKind = "not-found"

	// KindUnsupportedBackend indicates a site whose backend type has no
	// registered emitter. Fatal for that one site only.
	KindUnsupportedBackend ErrorKind = "unsupported-backend"

	// KindRouteConflict indicates two routes in one site with identical
	// match paths but different strategies. Fatal for that one site only.
	KindRouteConflict ErrorKind = "route-conflict"

	// KindValidation indicates the backend rejected generated
	// configuration. Triggers automatic rollback.
	KindValidation ErrorKind = "validation"

	// KindPropagation indicates a filesystem copy or permission failure.
	// Retried a bounded number of times before being reported.
	KindPropagation ErrorKind = "propagation"

	// KindTimeout indicates a backend operation exceeded its bound.
	// Treated like a validation failure.
	KindTimeout ErrorKind = "timeout"

	// KindInternal indicates an unexpected failure inside webfleet itself.
	KindInternal ErrorKind = "internal"
)

// Error is the classified error carried across webfleet components. The
// underlying cause (including backend validator output) is preserved
// verbatim through Unwrap.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind

	// Domain is the site the failure pertains to, when applicable.
	Domain string

	// Message is the human-readable summary.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Domain != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s (site=%s): %v", e.Kind, e.Message, e.Domain, e.Err)
	case e.Domain != "":
		return fmt.Sprintf("[%s] %s (site=%s)", e.Kind, e.Message, e.Domain)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying error for chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind, so callers can compare against a bare
// &Error{Kind: ...} sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDomain attaches site context to the error.
func (e *Error) WithDomain(domain string) *Error {
	e.Domain = domain
	return e
}

// NewSchemaError creates a schema-kind error.
func NewSchemaError(message string, err error) *Error {
	return &Error{Kind: KindSchema, Message: message, Err: err}
}

// NewNotFoundError creates a not-found-kind error.
func NewNotFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// NewUnsupportedBackendError creates an unsupported-backend-kind error.
func NewUnsupportedBackendError(backend BackendType) *Error {
	return &Error{
		Kind:    KindUnsupportedBackend,
		Message: fmt.Sprintf("no emitter registered for backend %q", backend),
	}
}

// NewRouteConflictError creates a route-conflict-kind error.
func NewRouteConflictError(message string) *Error {
	return &Error{Kind: KindRouteConflict, Message: message}
}

// NewValidationError creates a validation-kind error. The backend's
// validator output goes in err so it is reported verbatim.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

// NewPropagationError creates a propagation-kind error.
func NewPropagationError(message string, err error) *Error {
	return &Error{Kind: KindPropagation, Message: message, Err: err}
}

// NewTimeoutError creates a timeout-kind error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// NewInternalError creates an internal-kind error.
func NewInternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the classification of err, or KindInternal for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsSchema reports whether err is classified as a schema error.
func IsSchema(err error) bool { return KindOf(err) == KindSchema }

// IsNotFound reports whether err is classified as not-found.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation reports whether err is a validation or timeout failure,
// both of which trigger rollback.
func IsValidation(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindTimeout
}

// IsPropagation reports whether err is classified as a propagation
// failure, the only kind the daemon retries.
func IsPropagation(err error) bool { return KindOf(err) == KindPropagation }

// IsTimeout reports whether err is classified as a timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
