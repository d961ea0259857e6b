// Package ferror defines the typed error kinds every core component returns.
// The HTTP shell is the only place that turns these into OperationOutcome
// bundles and status codes; no component in internal/store, internal/search,
// internal/subscription, internal/delivery, or internal/authcache ever
// constructs an HTTP response itself.
package ferror

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in SPEC_FULL.md §7.
type Kind string

const (
	KindInvalidResource   Kind = "invalidResource"
	KindInvalidSearch     Kind = "invalidSearch"
	KindNotFound          Kind = "notFound"
	KindGone              Kind = "gone"
	KindConflict          Kind = "conflict"
	KindPreconditionFail  Kind = "preconditionFailed"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindTransactionError  Kind = "transactionError"
	KindInternal          Kind = "internal"
)

// Error is the typed error every component returns instead of ad hoc strings.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ferror.NotFound) style sentinel comparisons by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for unrecognized errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// sentinels for errors.Is comparisons, e.g. errors.Is(err, ferror.NotFound)
var (
	NotFound           = &Error{Kind: KindNotFound}
	Gone               = &Error{Kind: KindGone}
	Conflict           = &Error{Kind: KindConflict}
	PreconditionFailed = &Error{Kind: KindPreconditionFail}
	InvalidResource    = &Error{Kind: KindInvalidResource}
	InvalidSearch      = &Error{Kind: KindInvalidSearch}
	Unauthorized       = &Error{Kind: KindUnauthorized}
	Forbidden          = &Error{Kind: KindForbidden}
	TransactionError   = &Error{Kind: KindTransactionError}
)
