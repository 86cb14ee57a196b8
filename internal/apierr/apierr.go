// Package apierr defines the structured errors surfaced to hub clients.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/onexay/modelhub/internal/storage"
)

// Kind is the machine-readable error class.
type Kind string

const (
	// KindQuotaExceeded is an admission-control rejection the user can fix by freeing space.
	KindQuotaExceeded Kind = "QuotaExceeded"
	// KindNotFound is a missing repository, revision, path or object.
	KindNotFound Kind = "NotFound"
	// KindSizeMismatch is a declared size that does not match stored bytes.
	KindSizeMismatch Kind = "SizeMismatch"
	// KindInvalidParts is an inconsistent multipart completion request.
	KindInvalidParts Kind = "InvalidParts"
	// KindMergeConflict is returned when paths conflict and no strategy resolves them.
	KindMergeConflict Kind = "MergeConflict"
	// KindLfsUnrecoverable guards history operations that would point at collected objects.
	KindLfsUnrecoverable Kind = "LfsUnrecoverable"
	// KindProtectedRef is a policy rejection on a protected branch.
	KindProtectedRef Kind = "ProtectedRef"
	// KindUseLFS rejects inline content that must go through LFS.
	KindUseLFS Kind = "UseLFS"
	// KindConflict is a retryable concurrent-modification or duplicate-name error.
	KindConflict Kind = "Conflict"
	// KindNoChanges is a merge that would not change the destination.
	KindNoChanges Kind = "NoChanges"
	// KindValidation is malformed input.
	KindValidation Kind = "Validation"
	// KindForbidden is a missing or mismatched confirmation.
	KindForbidden Kind = "Forbidden"
	// KindInternal is anything unexpected.
	KindInternal Kind = "Internal"
)

var statusByKind = map[Kind]int{
	KindQuotaExceeded:    http.StatusRequestEntityTooLarge,
	KindNotFound:         http.StatusNotFound,
	KindSizeMismatch:     http.StatusBadRequest,
	KindInvalidParts:     http.StatusBadRequest,
	KindMergeConflict:    http.StatusConflict,
	KindLfsUnrecoverable: http.StatusConflict,
	KindProtectedRef:     http.StatusForbidden,
	KindUseLFS:           http.StatusBadRequest,
	KindConflict:         http.StatusConflict,
	KindNoChanges:        http.StatusBadRequest,
	KindValidation:       http.StatusBadRequest,
	KindForbidden:        http.StatusForbidden,
	KindInternal:         http.StatusInternalServerError,
}

// Error is an error with a kind, a message and optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	wrapped error
}

// New creates an Error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap records the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// StatusCode returns the HTTP status for the error's kind.
func (e *Error) StatusCode() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NotFound creates a KindNotFound error.
func NotFound(resource, key string) *Error {
	return New(KindNotFound, "%s %s not found", resource, key)
}

// Validation creates a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// KindOf classifies any error, mapping storage errors onto kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// From converts any error into an *Error.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		return New(KindNotFound, "%s", notFound.Error()).Wrap(err)
	}
	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		return New(KindConflict, "%s", conflict.Error()).Wrap(err)
	}
	var validation *storage.ValidationError
	if errors.As(err, &validation) {
		return New(KindValidation, "%s", validation.Error()).Wrap(err)
	}
	return New(KindInternal, "internal error").Wrap(err)
}
