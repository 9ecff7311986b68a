package pipeline

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Kind classifies a pipeline failure.
type Kind string

// Failure kinds.
const (
	KindTransientFetch      Kind = "TransientFetchError"
	KindPermanentFetch      Kind = "PermanentFetchError"
	KindRenderTimeout       Kind = "RenderTimeout"
	KindValidation          Kind = "ValidationError"
	KindStorageUnavailable  Kind = "StorageUnavailable"
	KindConstraintViolation Kind = "ConstraintViolation"
	KindConnectionLost      Kind = "ConnectionLost"
	// KindCanceled marks work interrupted by shutdown rather than by the job itself.
	KindCanceled Kind = "Canceled"
)

// Retryable reports whether the kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientFetch, KindRenderTimeout, KindStorageUnavailable:
		return true
	default:
		return false
	}
}

// Permanent reports whether retrying can never help.
func (k Kind) Permanent() bool {
	switch k {
	case KindPermanentFetch, KindValidation, KindConstraintViolation:
		return true
	default:
		return false
	}
}

// Error is a classified failure raised by a pipeline component.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError classifies err under kind, capturing a stack trace.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: errors.Newf(format, args...)}
}

// Transient wraps err as a TransientFetchError.
func Transient(op string, err error) error {
	return NewError(KindTransientFetch, op, err)
}

// Permanent wraps err as a PermanentFetchError.
func Permanent(op string, err error) error {
	return NewError(KindPermanentFetch, op, err)
}

// Unavailable wraps err as StorageUnavailable.
func Unavailable(op string, err error) error {
	return NewError(KindStorageUnavailable, op, err)
}

// Constraint wraps err as a ConstraintViolation.
func Constraint(op string, err error) error {
	return NewError(KindConstraintViolation, op, err)
}

// ConnectionLost wraps err as ConnectionLost.
func ConnectionLost(op string, err error) error {
	return NewError(KindConnectionLost, op, err)
}

// KindOf returns the kind attached to err, or "" when err is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return ""
}

// Classify returns the kind of err, using fallback for unclassified errors.
// Deadline expiry always maps to fallback so each stage reports its own transient kind.
func Classify(err error, fallback Kind) Kind {
	if err == nil {
		return ""
	}
	if kind := KindOf(err); kind != "" {
		return kind
	}
	return fallback
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
