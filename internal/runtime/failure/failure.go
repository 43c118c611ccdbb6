package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind names a terminal failure category surfaced to callers.
type Kind string

const (
	KindInvalidURL       Kind = "InvalidURL"
	KindBlockedHost      Kind = "BlockedHost"
	KindValidation       Kind = "ValidationError"
	KindUnauthorized     Kind = "Unauthorized"
	KindRateLimited      Kind = "RateLimited"
	KindUpstreamTimeout  Kind = "UpstreamTimeout"
	KindUpstreamNetwork  Kind = "UpstreamNetworkError"
	KindUpstreamHTTP     Kind = "UpstreamHTTPError"
	KindUpstreamNotImage Kind = "UpstreamNotImage"
	KindUpstreamTooLarge Kind = "UpstreamTooLarge"
	KindUpstreamEmpty    Kind = "UpstreamEmpty"
	KindTransformFailed  Kind = "TransformFailed"
	KindInternal         Kind = "InternalError"
)

const defaultInternalMessage = "internal error"

// Error carries a taxonomy kind together with a caller-safe message. Err holds
// the internal cause and is only exposed when diagnostics are enabled.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind so callers can write errors.Is(err, failure.New(kind, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// Status maps the failure kind onto the HTTP status returned to the caller.
func (e *Error) Status() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return StatusFor(e.Kind)
}

// Retryable reports whether the origin fetcher may attempt the request again.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindUpstreamTimeout || e.Kind == KindUpstreamNetwork
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// UpstreamHTTP records a terminal non-2xx origin response.
func UpstreamHTTP(status int) *Error {
	return &Error{
		Kind:           KindUpstreamHTTP,
		Message:        fmt.Sprintf("origin responded with status %d", status),
		UpstreamStatus: status,
	}
}

// From classifies any error into the taxonomy. Errors that are not already
// *Error become InternalError, except context deadlines which read as timeouts.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindUpstreamTimeout, "operation timed out", err)
	}
	return Wrap(KindInternal, defaultInternalMessage, err)
}

// KindOf returns the taxonomy kind for err, or the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

func StatusFor(kind Kind) int {
	switch kind {
	case KindInvalidURL, KindBlockedHost, KindValidation, KindUpstreamNotImage, KindUpstreamEmpty:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamNetwork, KindUpstreamHTTP:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Kinds lists every taxonomy kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindInvalidURL,
		KindBlockedHost,
		KindValidation,
		KindUnauthorized,
		KindRateLimited,
		KindUpstreamTimeout,
		KindUpstreamNetwork,
		KindUpstreamHTTP,
		KindUpstreamNotImage,
		KindUpstreamTooLarge,
		KindUpstreamEmpty,
		KindTransformFailed,
		KindInternal,
	}
}
