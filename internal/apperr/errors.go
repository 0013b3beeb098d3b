// Package apperr defines the typed error taxonomy shared by the content
// store components. Callers match errors by kind with errors.Is against the
// exported sentinels.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindValidation            Kind = "VALIDATION_ERROR"
	KindUnauthorized          Kind = "UNAUTHORIZED"
	KindConflict              Kind = "CONFLICT"
	KindConversionUnsupported Kind = "CONVERSION_UNSUPPORTED"
	KindNoContentToVersion    Kind = "NO_CONTENT_TO_VERSION"

	// Refinements. Each one also matches its parent kind.
	KindDepthExceeded       Kind = "DEPTH_EXCEEDED"
	KindFormatUnavailable   Kind = "FORMAT_UNAVAILABLE"
	KindInvalidVersionIndex Kind = "INVALID_VERSION_INDEX"
)

var parents = map[Kind]Kind{
	KindDepthExceeded:       KindValidation,
	KindFormatUnavailable:   KindValidation,
	KindInvalidVersionIndex: KindNotFound,
}

var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrConversionUnsupported = &Error{Kind: KindConversionUnsupported}
	ErrNoContentToVersion    = &Error{Kind: KindNoContentToVersion}
	ErrDepthExceeded         = &Error{Kind: KindDepthExceeded}
	ErrFormatUnavailable     = &Error{Kind: KindFormatUnavailable}
	ErrInvalidVersionIndex   = &Error{Kind: KindInvalidVersionIndex}
)

type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare sentinel (no message) of the same kind or of the
// parent kind of a refinement.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Err != nil {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return parents[e.Kind] == t.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func ConversionUnsupported(from, to string) *Error {
	return &Error{
		Kind:    KindConversionUnsupported,
		Message: fmt.Sprintf("cannot convert %s to %s", from, to),
		Details: map[string]string{"from": from, "to": to},
	}
}

func NoContentToVersion(sectionID string) *Error {
	return &Error{
		Kind:    KindNoContentToVersion,
		Message: "section has no content to version",
		Details: map[string]string{"sectionId": sectionID},
	}
}

func DepthExceeded(depth, max int) *Error {
	return &Error{
		Kind:    KindDepthExceeded,
		Message: fmt.Sprintf("nesting depth %d exceeds maximum of %d", depth, max),
		Details: map[string]int{"depth": depth, "maxDepth": max},
	}
}

func FormatUnavailable(format string) *Error {
	return &Error{
		Kind:    KindFormatUnavailable,
		Message: fmt.Sprintf("format %s is not available for this content", format),
		Details: map[string]string{"format": format},
	}
}

func InvalidVersionIndex(index, length int) *Error {
	return &Error{
		Kind:    KindInvalidVersionIndex,
		Message: fmt.Sprintf("version index %d out of range [0,%d)", index, length),
		Details: map[string]int{"index": index, "length": length},
	}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Wrap attaches cause to a new error of the given kind.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf reports the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
