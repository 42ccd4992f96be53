package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind tags an Error with its place in the gateway's failure taxonomy.
// Every error crossing an adapter boundary carries exactly one Kind.
type Kind string

const (
	KindAuthentication   Kind = "authentication_error"
	KindPermissionDenied Kind = "permission_denied_error"
	KindNotFound         Kind = "not_found_error"
	KindRateLimit        Kind = "rate_limit_error"
	KindBadRequest       Kind = "invalid_request_error"
	KindContextLength    Kind = "context_length_exceeded"
	KindContentPolicy    Kind = "content_policy_violation"
	KindTimeout          Kind = "timeout_error"
	KindConnection       Kind = "connection_error"
	KindUnavailable      Kind = "service_unavailable_error"
	KindAPI              Kind = "api_error"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindModelNotMapped   Kind = "model_not_supported"
	KindRouter           Kind = "router_error"
)

// Error is the uniform error shape produced by adapters, the router, and the
// admission layer. Status is the upstream HTTP status when one exists;
// HTTPStatus() is what the gateway returns to the client.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Status   int
	Param    string

	// RetryAfter is the provider-suggested backoff, when advertised.
	RetryAfter time.Duration

	wrapped error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Retriable reports whether the router may try another attempt or deployment
// after this error.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindConnection, KindUnavailable, KindAPI:
		return true
	}
	return false
}

// HTTPStatus maps the error kind to the client-facing status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return 401
	case KindPermissionDenied:
		return 403
	case KindNotFound:
		return 404
	case KindRateLimit, KindBudgetExceeded:
		return 429
	case KindBadRequest, KindContextLength, KindContentPolicy, KindModelNotMapped:
		return 400
	case KindTimeout:
		return 504
	case KindConnection:
		return 502
	case KindAPI:
		return 500
	case KindUnavailable, KindRouter:
		return 503
	}
	return 500
}

// E builds a tagged error.
func E(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Errorf builds a tagged error with a formatted message.
func Errorf(kind Kind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error while keeping it reachable via errors.As.
func Wrap(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: err.Error(), wrapped: err}
}

// AsError extracts the tagged error, or wraps foreign errors so the caller
// always has a Kind to dispatch on. Context errors become timeouts, transport
// errors become connection failures, everything else is an api_error.
func AsError(provider string, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Provider: provider, Message: "request timed out", wrapped: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, Provider: provider, Message: "request canceled", wrapped: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return &Error{Kind: KindTimeout, Provider: provider, Message: err.Error(), wrapped: err}
		}
		return &Error{Kind: KindConnection, Provider: provider, Message: err.Error(), wrapped: err}
	}
	return &Error{Kind: KindAPI, Provider: provider, Message: err.Error(), wrapped: err}
}

// IsRetriable reports whether the router may continue after err.
func IsRetriable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retriable()
	}
	// Unclassified errors are treated as transient transport failures.
	return true
}

// KindOf returns the error's Kind, or KindAPI for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindAPI
}

// FromHTTP classifies an upstream HTTP failure by status code, refined by the
// provider's error code/type strings and message text. Providers disagree on
// where context-length and content-policy failures surface (status, code, or
// prose), so all three are checked.
func FromHTTP(provider string, status int, code, errType, message string) *Error {
	e := &Error{Provider: provider, Status: status, Message: message}
	if e.Message == "" {
		e.Message = fmt.Sprintf("upstream returned status %d", status)
	}

	lowMsg := strings.ToLower(message)
	lowCode := strings.ToLower(code)

	switch {
	case lowCode == "context_length_exceeded" || errType == "context_length_exceeded" ||
		strings.Contains(lowMsg, "context length") || strings.Contains(lowMsg, "maximum context") ||
		strings.Contains(lowMsg, "too many tokens") || strings.Contains(lowMsg, "prompt is too long"):
		e.Kind = KindContextLength
		return e
	case lowCode == "content_policy_violation" || lowCode == "content_filter" ||
		strings.Contains(lowMsg, "content policy") || strings.Contains(lowMsg, "content management policy") ||
		strings.Contains(lowMsg, "safety"):
		e.Kind = KindContentPolicy
		return e
	}

	switch status {
	case 400, 422:
		e.Kind = KindBadRequest
	case 401:
		e.Kind = KindAuthentication
	case 403:
		e.Kind = KindPermissionDenied
	case 404:
		e.Kind = KindNotFound
	case 408, 504:
		e.Kind = KindTimeout
	case 429:
		e.Kind = KindRateLimit
	case 500, 502:
		e.Kind = KindAPI
	case 503, 529:
		// 529 is Anthropic's "overloaded".
		e.Kind = KindUnavailable
	default:
		if status >= 500 {
			e.Kind = KindAPI
		} else {
			e.Kind = KindBadRequest
		}
	}
	if e.Kind == KindAPI && strings.Contains(lowMsg, "overloaded") {
		e.Kind = KindUnavailable
	}
	return e
}

// ParseRetryAfter parses a Retry-After header value, in either delta-seconds
// or HTTP-date form.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
