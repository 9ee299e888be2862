package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the closed set of user-facing error categories a failed
// backend operation maps to.
type ErrorKind int

const (
	// UnknownError covers any non-2xx status or transport failure not
	// matched below.
	UnknownError ErrorKind = iota
	// CredentialRequired means a model-provider API key must be supplied
	// before sending.
	CredentialRequired
	// AuthenticationRequired means the action needs a signed-in account.
	AuthenticationRequired
	// QuotaExceeded means the signed-in user hit a time-windowed message
	// limit.
	QuotaExceeded
	// UpstreamFailure is a transient provider/server error, safe to retry.
	UpstreamFailure
	// RateLimited means too many requests; the caller should back off.
	RateLimited
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case CredentialRequired:
		return "credential_required"
	case AuthenticationRequired:
		return "authentication_required"
	case QuotaExceeded:
		return "quota_exceeded"
	case UpstreamFailure:
		return "upstream_failure"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown_error"
	}
}

// Retryable reports whether re-invoking the same operation with identical
// arguments is a sensible next step. The other kinds need a different user
// action first (sign in, supply a key, upgrade).
func (k ErrorKind) Retryable() bool {
	switch k {
	case UpstreamFailure, RateLimited, UnknownError:
		return true
	default:
		return false
	}
}

// Error is a classified backend failure. It is what store and pipeline
// operations return instead of raw transport errors.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int // HTTP status if one was received, else 0
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StatusError is the raw non-2xx outcome surfaced by the Backend
// implementation, before classification.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Classify maps a status code to an error kind. The ambiguous 403 is
// disambiguated by the current authentication flag: an anonymous caller is
// told to sign in, a signed-in caller has exhausted quota.
func Classify(status int, authenticated bool) ErrorKind {
	switch {
	case status == http.StatusBadRequest:
		return CredentialRequired
	case status == http.StatusForbidden && !authenticated:
		return AuthenticationRequired
	case status == http.StatusForbidden:
		return QuotaExceeded
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= http.StatusInternalServerError:
		return UpstreamFailure
	default:
		return UnknownError
	}
}

// userMessage returns the human-readable message for a kind.
func userMessage(kind ErrorKind) string {
	switch kind {
	case CredentialRequired:
		return "An API key for the model provider is required before sending."
	case AuthenticationRequired:
		return "Please sign in to continue this conversation."
	case QuotaExceeded:
		return "You have reached your message limit for now. Upgrade to keep chatting."
	case UpstreamFailure:
		return "The character backend hit a temporary problem. Please try again."
	case RateLimited:
		return "Too many requests. Give it a moment and try again."
	default:
		return "Something went wrong. Try again, or refresh if the problem persists."
	}
}

// ClassifyErr converts any error returned by a Backend call into a
// classified *Error. A nil input returns nil. Timeouts map to
// UpstreamFailure so a hung request eventually surfaces as retryable.
func ClassifyErr(err error, authenticated bool) *Error {
	if err == nil {
		return nil
	}

	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		kind := Classify(serr.Code, authenticated)
		return &Error{Kind: kind, Message: userMessage(kind), Status: serr.Code}
	}

	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &Error{Kind: UpstreamFailure, Message: userMessage(UpstreamFailure)}
	}

	return &Error{Kind: UnknownError, Message: userMessage(UnknownError)}
}
