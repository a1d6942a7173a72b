// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFoundError     = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeUnknownDeployment = "unknown_deployment"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeNoConnections     = "no_connections_available"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	// LimitError is the limit-exceeded body: the code names the violated
	// metric and window, used/limit carry the observed numbers.
	LimitError struct {
		Message string  `json:"message"`
		Code    string  `json:"code"`
		Used    float64 `json:"used"`
		Limit   float64 `json:"limit"`
	}
	limitEnvelope struct {
		Error LimitError `json:"error"`
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

// WriteLimitExceeded writes the 429 quota envelope with a Retry-After hint.
func WriteLimitExceeded(ctx *fasthttp.RequestCtx, message, code string, used, limit float64) {
	ctx.Response.Header.Set("Retry-After", "60")
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(limitEnvelope{Error: LimitError{
		Message: message,
		Code:    code,
		Used:    used,
		Limit:   limit,
	}})
	ctx.SetBody(body)
}

// WriteUpstream propagates an upstream failure: 4xx statuses and bodies pass
// through verbatim, 5xx collapses to 502 with the upstream body retained.
func WriteUpstream(ctx *fasthttp.RequestCtx, status int, body []byte) {
	if status >= 500 || status == 0 {
		status = fasthttp.StatusBadGateway
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	if len(body) > 0 {
		ctx.SetBody(body)
		return
	}
	raw, _ := json.Marshal(envelope{Error: APIError{
		Message: "upstream provider error",
		Type:    TypeProviderError,
		Code:    CodeProviderError,
	}})
	ctx.SetBody(raw)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}
