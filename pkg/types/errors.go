package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are stable and safe to show to clients.
type Kind string

const (
	KindUnauthenticated        Kind = "unauthenticated"
	KindForbidden              Kind = "forbidden"
	KindValidationFailed       Kind = "validation_failed"
	KindDeliveryPartialFailure Kind = "delivery_partial_failure"
	KindUpstreamFailure        Kind = "upstream_failure"

	// REST glue kinds.
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindRateLimited Kind = "rate_limited"
)

// Error is a tagged failure carrying a machine reason and a human message.
// Err holds the internal cause; it is logged but never serialized.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and, when set on the target, by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Payload renders the client-visible part of the error.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{Kind: string(e.Kind), Reason: e.Reason, Message: e.Message}
}

// NewError builds a tagged error.
func NewError(kind Kind, reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: cause}
}

func Unauthenticated(reason, message string, cause error) *Error {
	return NewError(KindUnauthenticated, reason, message, cause)
}

func Forbidden(reason, message string) *Error {
	return NewError(KindForbidden, reason, message, nil)
}

func ValidationFailed(reason, message string) *Error {
	return NewError(KindValidationFailed, reason, message, nil)
}

func UpstreamFailure(reason string, cause error) *Error {
	return NewError(KindUpstreamFailure, reason, "Something went wrong, please try again later", cause)
}

func NotFound(reason, message string) *Error {
	return NewError(KindNotFound, reason, message, nil)
}

func Conflict(reason, message string) *Error {
	return NewError(KindConflict, reason, message, nil)
}

// KindOf reports the kind of err, or "" when err is not tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError returns the tagged error inside err. Untagged errors become an
// UpstreamFailure so internal details never reach a client.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return UpstreamFailure("internal", err)
}

// Reason values shared across packages.
const (
	ReasonMissingToken       = "missing_token"
	ReasonInvalidToken       = "invalid_token"
	ReasonExpiredToken       = "expired_token"
	ReasonRefreshFailed      = "refresh_failed"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonNotMember          = "not_member"
	ReasonInsufficientRole   = "insufficient_role"
	ReasonEmptyContent       = "empty_content"
	ReasonContentTooLarge    = "content_too_large"
	ReasonInvalidID          = "invalid_id"
	ReasonInvalidPayload     = "invalid_payload"
	ReasonUnknownEvent       = "unknown_event"
	ReasonPersistFailed      = "persist_failed"
	ReasonStoreUnavailable   = "store_unavailable"
	ReasonTooManyRequests    = "too_many_requests"
	ReasonPartialDelivery    = "partial_delivery"
)

// Messages reused verbatim by several layers.
const (
	MessageLoginRequired = "Please login to continue!"
	MessageForbiddenRole = "Forbidden. You do not have the required privileges or roles."
)
