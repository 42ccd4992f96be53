// Package apierr writes OpenAI-shaped error envelopes and maps the gateway's
// internal error taxonomy to HTTP statuses.
package apierr

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/modelriver/modelriver/internal/adapter"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFoundErr       = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeModelNotAllowed     = "model_not_allowed"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeContextLength       = "context_length_exceeded"
	CodeContentPolicy       = "content_policy_violation"
	CodeModelNotSupported   = "model_not_supported"
	CodeRequestTimeout      = "request_timeout"
	CodeProviderError       = "provider_error"
	CodeNoHealthyDeployment = "no_healthy_deployments"
	CodeInternalError       = "internal_error"
	CodeInvalidRequest      = "invalid_request"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Param   string `json:"param,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteError classifies err and writes the matching envelope. Adapter errors
// carry their own status and retry-after; anything else is a 500.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var ae *adapter.Error
	if !errors.As(err, &ae) {
		Write(ctx, fasthttp.StatusInternalServerError, APIError{
			Message: err.Error(),
			Type:    TypeServerError,
			Code:    CodeInternalError,
		})
		return
	}

	e := APIError{Message: ae.Message, Type: typeFor(ae.Kind), Code: codeFor(ae.Kind), Param: ae.Param}
	status := ae.HTTPStatus()
	if ae.Kind == adapter.KindRateLimit || ae.Kind == adapter.KindBudgetExceeded {
		secs := int(ae.RetryAfter.Seconds())
		if secs <= 0 {
			secs = 60
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	}
	Write(ctx, status, e)
}

func typeFor(k adapter.Kind) string {
	switch k {
	case adapter.KindAuthentication:
		return TypeAuthenticationErr
	case adapter.KindPermissionDenied:
		return TypePermissionErr
	case adapter.KindNotFound:
		return TypeNotFoundErr
	case adapter.KindRateLimit, adapter.KindBudgetExceeded:
		return TypeRateLimitError
	case adapter.KindBadRequest, adapter.KindContextLength, adapter.KindContentPolicy, adapter.KindModelNotMapped:
		return TypeInvalidRequest
	case adapter.KindTimeout, adapter.KindConnection, adapter.KindUnavailable, adapter.KindAPI, adapter.KindRouter:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

func codeFor(k adapter.Kind) string {
	switch k {
	case adapter.KindAuthentication:
		return CodeInvalidAPIKey
	case adapter.KindPermissionDenied:
		return CodeModelNotAllowed
	case adapter.KindBudgetExceeded:
		return CodeBudgetExceeded
	case adapter.KindRateLimit:
		return CodeRateLimitExceeded
	case adapter.KindContextLength:
		return CodeContextLength
	case adapter.KindContentPolicy:
		return CodeContentPolicy
	case adapter.KindModelNotMapped:
		return CodeModelNotSupported
	case adapter.KindTimeout:
		return CodeRequestTimeout
	case adapter.KindRouter:
		return CodeNoHealthyDeployment
	case adapter.KindBadRequest, adapter.KindNotFound:
		return CodeInvalidRequest
	default:
		return CodeProviderError
	}
}
