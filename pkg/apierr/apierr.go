// Package apierr provides the structured JSON error envelope the router
// returns to callers, and the mapping from each admission outcome to its
// HTTP status.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthentication = "authentication_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_error"
	TypeConflict       = "conflict_error"
	TypeUnavailable    = "unavailable_error"
	TypeServer         = "server_error"
)

// Code constants, one per admission outcome plus a catch-all internal code.
const (
	CodeUnauthorized     = "unauthorized"
	CodeUnknownModel     = "unknown_model"
	CodeRateLimited      = "rate_limited"
	CodeContainerMissing = "container_missing"
	CodeGPUBusy          = "gpu_busy"
	CodeUnhealthy        = "unhealthy"
	CodeStartFailed      = "start_failed"
	CodeInternalError    = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes the 401 returned when the Authenticator rejects
// a request's bearer token.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing bearer token", TypeAuthentication, CodeUnauthorized)
}

// WriteAdmission maps one of the lifecycle controller's typed admission
// outcomes (by its string kind) to the HTTP status and envelope the caller
// sees. Kinds are the lifecycle.ErrorKind values; an unrecognized kind
// falls back to a generic 500.
func WriteAdmission(ctx *fasthttp.RequestCtx, kind, message string) {
	switch kind {
	case "unknown_model":
		Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeUnknownModel)
	case "rate_limited":
		ctx.Response.Header.Set("Retry-After", "5")
		Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimit, CodeRateLimited)
	case "container_missing":
		Write(ctx, fasthttp.StatusConflict, message, TypeConflict, CodeContainerMissing)
	case "gpu_busy":
		Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeUnavailable, CodeGPUBusy)
	case "unhealthy":
		Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeUnavailable, CodeUnhealthy)
	case "start_failed":
		Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeUnavailable, CodeStartFailed)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, message, TypeServer, CodeInternalError)
	}
}
